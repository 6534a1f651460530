package term

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// Wire layout: every term is a msgpack array whose first
// element is the Kind tag.
//
//	atom, str:   [tag, string]
//	int:         [tag, int64]
//	float:       [tag, float64]
//	binary:      [tag, bin]
//	list, tuple: [tag, [term, term, ...]]
//	pid:         [tag, node string, id uint64]
//	ref:         [tag, node string, id string]

// maxDepth bounds nesting on Decode so that a hostile
// frame cannot exhaust the goroutine stack.
const maxDepth = 512

var ErrTooDeep = fmt.Errorf("term: nesting deeper than %v", maxDepth)

// Encode appends the greenpack (msgpack) encoding of t to b.
func Encode(b []byte, t Term) (o []byte, err error) {
	return appendTerm(b, t, 0)
}

func appendTerm(b []byte, t Term, depth int) ([]byte, error) {
	if depth > maxDepth {
		return b, ErrTooDeep
	}
	switch x := t.(type) {
	case nil:
		return b, fmt.Errorf("term: cannot encode nil Term")
	case Atom:
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendUint8(b, uint8(KindAtom))
		return msgp.AppendString(b, string(x)), nil
	case Int:
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendUint8(b, uint8(KindInt))
		return msgp.AppendInt64(b, int64(x)), nil
	case Float:
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendUint8(b, uint8(KindFloat))
		return msgp.AppendFloat64(b, float64(x)), nil
	case Str:
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendUint8(b, uint8(KindStr))
		return msgp.AppendString(b, string(x)), nil
	case Binary:
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendUint8(b, uint8(KindBinary))
		return msgp.AppendBytes(b, []byte(x)), nil
	case List:
		return appendSeq(b, KindList, x, depth)
	case Tuple:
		return appendSeq(b, KindTuple, x, depth)
	case Pid:
		b = msgp.AppendArrayHeader(b, 3)
		b = msgp.AppendUint8(b, uint8(KindPid))
		b = msgp.AppendString(b, x.Node)
		return msgp.AppendUint64(b, x.ID), nil
	case Ref:
		b = msgp.AppendArrayHeader(b, 3)
		b = msgp.AppendUint8(b, uint8(KindRef))
		b = msgp.AppendString(b, x.Node)
		return msgp.AppendString(b, x.ID), nil
	}
	return b, fmt.Errorf("term: cannot encode %T", t)
}

func appendSeq(b []byte, k Kind, ts []Term, depth int) (o []byte, err error) {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendUint8(b, uint8(k))
	b = msgp.AppendArrayHeader(b, uint32(len(ts)))
	for _, t := range ts {
		b, err = appendTerm(b, t, depth+1)
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

// Decode reads one term from the front of b, returning
// the remaining bytes.
func Decode(b []byte) (t Term, rest []byte, err error) {
	return readTerm(b, 0)
}

func readTerm(b []byte, depth int) (t Term, o []byte, err error) {
	if depth > maxDepth {
		return nil, b, ErrTooDeep
	}
	var nbs msgp.NilBitsStack
	var n uint32
	n, b, err = nbs.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	if n < 2 {
		return nil, b, fmt.Errorf("term: short term array of len %v", n)
	}
	var tag uint8
	tag, b, err = nbs.ReadUint8Bytes(b)
	if err != nil {
		return nil, b, err
	}
	want := uint32(2)
	switch Kind(tag) {
	case KindPid, KindRef:
		want = 3
	}
	if n != want {
		return nil, b, fmt.Errorf("term: %v array has %v elements, want %v", Kind(tag), n, want)
	}

	switch Kind(tag) {
	case KindAtom:
		var s string
		s, b, err = nbs.ReadStringBytes(b)
		return Atom(s), b, err
	case KindInt:
		var i int64
		i, b, err = nbs.ReadInt64Bytes(b)
		return Int(i), b, err
	case KindFloat:
		var f float64
		f, b, err = nbs.ReadFloat64Bytes(b)
		return Float(f), b, err
	case KindStr:
		var s string
		s, b, err = nbs.ReadStringBytes(b)
		return Str(s), b, err
	case KindBinary:
		var by []byte
		by, b, err = nbs.ReadBytesBytes(b, nil)
		return Binary(by), b, err
	case KindList:
		var ts []Term
		ts, b, err = readSeq(b, depth)
		return List(ts), b, err
	case KindTuple:
		var ts []Term
		ts, b, err = readSeq(b, depth)
		return Tuple(ts), b, err
	case KindPid:
		var p Pid
		p.Node, b, err = nbs.ReadStringBytes(b)
		if err != nil {
			return nil, b, err
		}
		p.ID, b, err = nbs.ReadUint64Bytes(b)
		return p, b, err
	case KindRef:
		var r Ref
		r.Node, b, err = nbs.ReadStringBytes(b)
		if err != nil {
			return nil, b, err
		}
		r.ID, b, err = nbs.ReadStringBytes(b)
		return r, b, err
	}
	return nil, b, fmt.Errorf("term: unknown kind tag %v", tag)
}

func readSeq(b []byte, depth int) (ts []Term, o []byte, err error) {
	var nbs msgp.NilBitsStack
	var n uint32
	n, b, err = nbs.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	// each element needs at least 3 bytes, so a short
	// buffer cannot ask us to preallocate a huge slice.
	if int(n) > len(b)/3+1 {
		return nil, b, fmt.Errorf("term: sequence length %v exceeds remaining %v bytes", n, len(b))
	}
	ts = make([]Term, n)
	for i := range ts {
		ts[i], b, err = readTerm(b, depth+1)
		if err != nil {
			return nil, b, err
		}
	}
	return ts, b, nil
}

// Marshal returns the encoding of t in a fresh slice.
func Marshal(t Term) ([]byte, error) {
	return Encode(nil, t)
}

// Unmarshal decodes exactly one term from by.
func Unmarshal(by []byte) (Term, error) {
	t, rest, err := Decode(by)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("term: %v trailing bytes after term", len(rest))
	}
	return t, nil
}
