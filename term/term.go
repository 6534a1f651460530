// Package term holds the values exchanged between nodes: atoms,
// integers, floats, strings, binaries, lists, tuples, process
// identifiers (Pid) and unique references (Ref).
//
// Terms travel inside the payload of every node-to-node message,
// so they are small, immutable by convention, and encode to
// the greenpack (msgpack) format with Encode/Decode.
package term

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the concrete type of a Term.
type Kind uint8

const (
	KindAtom   Kind = 1
	KindInt    Kind = 2
	KindFloat  Kind = 3
	KindStr    Kind = 4
	KindBinary Kind = 5
	KindList   Kind = 6
	KindTuple  Kind = 7
	KindPid    Kind = 8
	KindRef    Kind = 9
)

func (k Kind) String() string {
	switch k {
	case KindAtom:
		return "atom"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindStr:
		return "string"
	case KindBinary:
		return "binary"
	case KindList:
		return "list"
	case KindTuple:
		return "tuple"
	case KindPid:
		return "pid"
	case KindRef:
		return "ref"
	}
	return fmt.Sprintf("Kind(%v)", int(k))
}

// Term is any value that can be sent to a remote node.
type Term interface {
	fmt.Stringer
	Kind() Kind
}

type Atom string
type Int int64
type Float float64
type Str string
type Binary []byte
type List []Term
type Tuple []Term

// Pid names a mailbox on a particular node.
type Pid struct {
	Node string
	ID   uint64
}

// Ref is a node-unique reference, used to correlate
// a reply with the request that caused it.
type Ref struct {
	Node string
	ID   string
}

var (
	True      = Atom("true")
	False     = Atom("false")
	Undefined = Atom("undefined")
	OK        = Atom("ok")

	// Nil is the empty list.
	Nil = List{}
)

func (Atom) Kind() Kind   { return KindAtom }
func (Int) Kind() Kind    { return KindInt }
func (Float) Kind() Kind  { return KindFloat }
func (Str) Kind() Kind    { return KindStr }
func (Binary) Kind() Kind { return KindBinary }
func (List) Kind() Kind   { return KindList }
func (Tuple) Kind() Kind  { return KindTuple }
func (Pid) Kind() Kind    { return KindPid }
func (Ref) Kind() Kind    { return KindRef }

func (a Atom) String() string {
	if plainAtom(string(a)) {
		return string(a)
	}
	return "'" + strings.ReplaceAll(string(a), "'", "\\'") + "'"
}

func plainAtom(s string) bool {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '@':
		default:
			return false
		}
	}
	return true
}

func (i Int) String() string   { return strconv.FormatInt(int64(i), 10) }
func (f Float) String() string { return strconv.FormatFloat(float64(f), 'g', -1, 64) }
func (s Str) String() string   { return strconv.Quote(string(s)) }

func (b Binary) String() string {
	return "<<" + strconv.Quote(string(b)) + ">>"
}

func (l List) String() string  { return "[" + joinTerms(l) + "]" }
func (t Tuple) String() string { return "{" + joinTerms(t) + "}" }

func (p Pid) String() string {
	return fmt.Sprintf("<%v.%v>", p.Node, p.ID)
}

func (r Ref) String() string {
	return fmt.Sprintf("#Ref<%v.%v>", r.Node, r.ID)
}

func joinTerms(ts []Term) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		if t == nil {
			parts[i] = "nil"
			continue
		}
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

// Bool converts b to the atoms true or false.
func Bool(b bool) Atom {
	if b {
		return True
	}
	return False
}

// Equal reports whether a and b are the same term.
// An empty List and a nil List are equal.
func Equal(a, b Term) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Atom, Int, Float, Str, Pid, Ref:
		return a == b
	case Binary:
		return string(x) == string(b.(Binary))
	case List:
		return equalSlice(x, b.(List))
	case Tuple:
		return equalSlice(x, b.(Tuple))
	}
	return false
}

func equalSlice(a, b []Term) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// IsOK reports whether t is the atom ok, or a tuple
// whose first element is the atom ok.
func IsOK(t Term) bool {
	switch x := t.(type) {
	case Atom:
		return x == OK
	case Tuple:
		return len(x) > 0 && Equal(x[0], OK)
	}
	return false
}

// BadRPC recognizes the {badrpc, Reason} shape that a
// remote node returns in place of a result when the
// requested function failed or does not exist.
func BadRPC(t Term) (reason Term, isBad bool) {
	tup, ok := t.(Tuple)
	if !ok || len(tup) != 2 {
		return nil, false
	}
	if !Equal(tup[0], Atom("badrpc")) {
		return nil, false
	}
	return tup[1], true
}

// ToGo converts t into plain Go values: strings, int64,
// float64, []byte, bool (for the atoms true/false) and []any.
// Pids and Refs become their printed form.
func ToGo(t Term) any {
	switch x := t.(type) {
	case nil:
		return nil
	case Atom:
		switch x {
		case True:
			return true
		case False:
			return false
		}
		return string(x)
	case Int:
		return int64(x)
	case Float:
		return float64(x)
	case Str:
		return string(x)
	case Binary:
		return []byte(x)
	case List:
		return toGoSlice(x)
	case Tuple:
		return toGoSlice(x)
	case Pid, Ref:
		return x.String()
	}
	return t.String()
}

func toGoSlice(ts []Term) []any {
	out := make([]any, len(ts))
	for i, t := range ts {
		out[i] = ToGo(t)
	}
	return out
}
