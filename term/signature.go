package term

import (
	"fmt"
	"reflect"
)

// A signature is a compact string describing how each Go
// argument of a remote call should be turned into a Term,
// one letter per argument:
//
//	x  any value, converted by ToTerm
//	i  integer
//	f  float
//	a  atom
//	s  string
//	b  binary
//	o  boolean (the atoms true/false)
//	p  pid
//	r  ref
//	t  tuple
//	lX list whose elements follow spec X, e.g. "li", "lls"
//
// The empty signature means "x" for every argument.

// SignatureError reports arguments that do not
// match their declared signature.
type SignatureError struct {
	Signature string
	Index     int // argument position, or -1 for whole-signature problems
	Msg       string
}

func (e *SignatureError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("signature '%v': %v", e.Signature, e.Msg)
	}
	return fmt.Sprintf("signature '%v', argument %v: %v", e.Signature, e.Index, e.Msg)
}

type spec struct {
	code byte
	elem *spec // for 'l' only
}

func (s *spec) String() string {
	if s.code == 'l' {
		return "l" + s.elem.String()
	}
	return string(s.code)
}

func parseSignature(sig string) (specs []*spec, err error) {
	i := 0
	for i < len(sig) {
		var sp *spec
		sp, i, err = parseOne(sig, i)
		if err != nil {
			return nil, err
		}
		specs = append(specs, sp)
	}
	return
}

func parseOne(sig string, i int) (sp *spec, next int, err error) {
	if i >= len(sig) {
		return nil, i, &SignatureError{Signature: sig, Index: -1, Msg: "list spec 'l' without element type"}
	}
	c := sig[i]
	switch c {
	case 'x', 'i', 'f', 'a', 's', 'b', 'o', 'p', 'r', 't':
		return &spec{code: c}, i + 1, nil
	case 'l':
		elem, next, err := parseOne(sig, i+1)
		if err != nil {
			return nil, next, err
		}
		return &spec{code: 'l', elem: elem}, next, nil
	}
	return nil, i, &SignatureError{Signature: sig, Index: -1, Msg: fmt.Sprintf("unknown type letter '%c' at offset %v", c, i)}
}

// Convert turns args into Terms as directed by sig.
// The number of specs in sig must equal len(args).
func Convert(sig string, args ...any) ([]Term, error) {
	if sig == "" {
		out := make([]Term, len(args))
		for i, a := range args {
			t, err := ToTerm(a)
			if err != nil {
				return nil, &SignatureError{Signature: sig, Index: i, Msg: err.Error()}
			}
			out[i] = t
		}
		return out, nil
	}
	specs, err := parseSignature(sig)
	if err != nil {
		return nil, err
	}
	if len(specs) != len(args) {
		return nil, &SignatureError{Signature: sig, Index: -1,
			Msg: fmt.Sprintf("arity mismatch: signature has %v entries, got %v arguments", len(specs), len(args))}
	}
	out := make([]Term, len(args))
	for i, a := range args {
		t, err := convertOne(specs[i], a)
		if err != nil {
			return nil, &SignatureError{Signature: sig, Index: i, Msg: err.Error()}
		}
		out[i] = t
	}
	return out, nil
}

func convertOne(sp *spec, v any) (Term, error) {
	switch sp.code {
	case 'x':
		return ToTerm(v)
	case 'i':
		switch x := v.(type) {
		case Int:
			return x, nil
		case int:
			return Int(x), nil
		case int8:
			return Int(x), nil
		case int16:
			return Int(x), nil
		case int32:
			return Int(x), nil
		case int64:
			return Int(x), nil
		case uint8:
			return Int(x), nil
		case uint16:
			return Int(x), nil
		case uint32:
			return Int(x), nil
		case uint:
			return Int(x), nil
		case uint64:
			if x > 1<<63-1 {
				return nil, fmt.Errorf("uint64 %v overflows integer", x)
			}
			return Int(x), nil
		}
	case 'f':
		switch x := v.(type) {
		case Float:
			return x, nil
		case float64:
			return Float(x), nil
		case float32:
			return Float(x), nil
		case Int:
			return Float(x), nil
		case int:
			return Float(x), nil
		case int64:
			return Float(x), nil
		}
	case 'a':
		switch x := v.(type) {
		case Atom:
			return x, nil
		case string:
			return Atom(x), nil
		case Str:
			return Atom(x), nil
		}
	case 's':
		switch x := v.(type) {
		case Str:
			return x, nil
		case string:
			return Str(x), nil
		case Atom:
			return Str(x), nil
		case []byte:
			return Str(x), nil
		}
	case 'b':
		switch x := v.(type) {
		case Binary:
			return x, nil
		case []byte:
			return Binary(x), nil
		case string:
			return Binary(x), nil
		case Str:
			return Binary(x), nil
		}
	case 'o':
		switch x := v.(type) {
		case bool:
			return Bool(x), nil
		case Atom:
			if x == True || x == False {
				return x, nil
			}
		}
	case 'p':
		switch x := v.(type) {
		case Pid:
			return x, nil
		case *Pid:
			if x != nil {
				return *x, nil
			}
		}
	case 'r':
		switch x := v.(type) {
		case Ref:
			return x, nil
		case *Ref:
			if x != nil {
				return *x, nil
			}
		}
	case 't':
		switch x := v.(type) {
		case Tuple:
			return x, nil
		case []any:
			return toTermSlice[Tuple](x)
		}
	case 'l':
		return convertList(sp.elem, v)
	}
	return nil, fmt.Errorf("cannot convert %T to '%v'", v, sp)
}

func convertList(elem *spec, v any) (Term, error) {
	if l, ok := v.(List); ok {
		out := make(List, len(l))
		for i, e := range l {
			t, err := convertOne(elem, e)
			if err != nil {
				return nil, fmt.Errorf("list element %v: %w", i, err)
			}
			out[i] = t
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, fmt.Errorf("cannot convert %T to 'l%v'", v, elem)
	}
	out := make(List, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		t, err := convertOne(elem, rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("list element %v: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}

// ToTerm converts common Go values to a Term: strings
// become Str, []byte becomes Binary, bool becomes an atom,
// numbers become Int or Float, slices become List.
// A Term is returned unchanged; nil becomes 'undefined'.
func ToTerm(v any) (Term, error) {
	switch x := v.(type) {
	case nil:
		return Undefined, nil
	case Term:
		return x, nil
	case string:
		return Str(x), nil
	case []byte:
		return Binary(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(x), nil
	case int8:
		return Int(x), nil
	case int16:
		return Int(x), nil
	case int32:
		return Int(x), nil
	case int64:
		return Int(x), nil
	case uint8:
		return Int(x), nil
	case uint16:
		return Int(x), nil
	case uint32:
		return Int(x), nil
	case uint:
		return Int(x), nil
	case uint64:
		if x > 1<<63-1 {
			return nil, fmt.Errorf("uint64 %v overflows integer", x)
		}
		return Int(x), nil
	case float32:
		return Float(x), nil
	case float64:
		return Float(x), nil
	case *Pid:
		if x != nil {
			return *x, nil
		}
	case *Ref:
		if x != nil {
			return *x, nil
		}
	case []any:
		return toTermSlice[List](x)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make(List, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			t, err := ToTerm(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = t
		}
		return out, nil
	}
	return nil, fmt.Errorf("no term conversion for Go type %T", v)
}

func toTermSlice[S List | Tuple](xs []any) (Term, error) {
	out := make(S, len(xs))
	for i, x := range xs {
		t, err := ToTerm(x)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return Term(out), nil
}
