package noded

import (
	"fmt"

	"github.com/glycerine/nodelink/term"
)

// RexMailbox is the registered name of the RPC server
// mailbox on every node.
const RexMailbox = "rex"

var (
	atomGenCall      = term.Atom("$gen_call")
	atomGenCast      = term.Atom("$gen_cast")
	atomProgressCall = term.Atom("$progress_call")
	atomCall         = term.Atom("call")
	atomCast         = term.Atom("cast")
	atomProgress     = term.Atom("progress")
	atomDone         = term.Atom("done")
	atomBadRPC       = term.Atom("badrpc")
	atomUndef        = term.Atom("undef")
	atomExit         = term.Atom("EXIT")
)

// DefaultGroupLeader is used when a caller names none.
var DefaultGroupLeader = term.Atom("user")

// Request is one decoded call, cast, or progress call.
type Request struct {
	Kind     RequestKind
	From     term.Pid // zero for casts
	Ref      term.Ref // zero for casts
	Module   string
	Function string
	Args     term.List
	GL       term.Term
}

type RequestKind int

const (
	KindCall RequestKind = iota + 1
	KindCast
	KindProgressCall
)

func (k RequestKind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindCast:
		return "cast"
	case KindProgressCall:
		return "progress_call"
	}
	return fmt.Sprintf("unknown_request_kind_%v", int(k))
}

func mfa(m, f string, args term.List, gl term.Term) term.Tuple {
	if gl == nil {
		gl = DefaultGroupLeader
	}
	if args == nil {
		args = term.List{}
	}
	return term.Tuple{term.Atom(m), term.Atom(f), args, gl}
}

// CallEnvelope: {'$gen_call', {From, Ref}, {call, M, F, Args, GL}}
func CallEnvelope(from term.Pid, ref term.Ref, m, f string, args term.List, gl term.Term) term.Term {
	return term.Tuple{atomGenCall, term.Tuple{from, ref}, append(term.Tuple{atomCall}, mfa(m, f, args, gl)...)}
}

// CastEnvelope: {'$gen_cast', {cast, M, F, Args, GL}}
func CastEnvelope(m, f string, args term.List, gl term.Term) term.Term {
	return term.Tuple{atomGenCast, append(term.Tuple{atomCast}, mfa(m, f, args, gl)...)}
}

// ProgressEnvelope: {'$progress_call', {From, Ref}, {call, M, F, Args, GL}}
func ProgressEnvelope(from term.Pid, ref term.Ref, m, f string, args term.List, gl term.Term) term.Term {
	return term.Tuple{atomProgressCall, term.Tuple{from, ref}, append(term.Tuple{atomCall}, mfa(m, f, args, gl)...)}
}

// ParseRequest decodes an envelope received on the rex mailbox.
func ParseRequest(msg term.Term) (*Request, error) {
	tup, ok := msg.(term.Tuple)
	if !ok || len(tup) < 2 {
		return nil, fmt.Errorf("noded: not a request envelope: %v", msg)
	}
	req := &Request{}
	var body term.Term
	switch {
	case term.Equal(tup[0], atomGenCast) && len(tup) == 2:
		req.Kind = KindCast
		body = tup[1]
	case (term.Equal(tup[0], atomGenCall) || term.Equal(tup[0], atomProgressCall)) && len(tup) == 3:
		req.Kind = KindCall
		if term.Equal(tup[0], atomProgressCall) {
			req.Kind = KindProgressCall
		}
		from, ok := tup[1].(term.Tuple)
		if !ok || len(from) != 2 {
			return nil, fmt.Errorf("noded: bad reply address in %v", msg)
		}
		if req.From, ok = from[0].(term.Pid); !ok {
			return nil, fmt.Errorf("noded: bad reply pid in %v", msg)
		}
		if req.Ref, ok = from[1].(term.Ref); !ok {
			return nil, fmt.Errorf("noded: bad reply ref in %v", msg)
		}
		body = tup[2]
	default:
		return nil, fmt.Errorf("noded: not a request envelope: %v", msg)
	}

	b, ok := body.(term.Tuple)
	if !ok || len(b) != 5 {
		return nil, fmt.Errorf("noded: bad request body in %v", msg)
	}
	want := atomCall
	if req.Kind == KindCast {
		want = atomCast
	}
	if !term.Equal(b[0], want) {
		return nil, fmt.Errorf("noded: request body tag %v, want %v", b[0], want)
	}
	m, ok1 := b[1].(term.Atom)
	f, ok2 := b[2].(term.Atom)
	args, ok3 := b[3].(term.List)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("noded: bad module, function or args in %v", msg)
	}
	req.Module, req.Function, req.Args, req.GL = string(m), string(f), args, b[4]
	return req, nil
}

// Reply is what comes back to a caller's mailbox.
type Reply struct {
	Ref      term.Ref
	Progress bool // an intermediate {progress, Ref, Msg}
	Value    term.Term
}

// ReplyEnvelope: {Ref, Result}
func ReplyEnvelope(ref term.Ref, result term.Term) term.Term {
	return term.Tuple{ref, result}
}

// ProgressMessage: {progress, Ref, Msg}
func ProgressMessage(ref term.Ref, msg term.Term) term.Term {
	return term.Tuple{atomProgress, ref, msg}
}

// DoneMessage: {done, Ref, Result}
func DoneMessage(ref term.Ref, result term.Term) term.Term {
	return term.Tuple{atomDone, ref, result}
}

// ParseReply decodes any of the three reply shapes.
func ParseReply(msg term.Term) (*Reply, error) {
	tup, ok := msg.(term.Tuple)
	if !ok {
		return nil, fmt.Errorf("noded: not a reply: %v", msg)
	}
	switch len(tup) {
	case 2:
		if ref, ok := tup[0].(term.Ref); ok {
			return &Reply{Ref: ref, Value: tup[1]}, nil
		}
	case 3:
		ref, ok := tup[1].(term.Ref)
		if !ok {
			break
		}
		switch {
		case term.Equal(tup[0], atomProgress):
			return &Reply{Ref: ref, Progress: true, Value: tup[2]}, nil
		case term.Equal(tup[0], atomDone):
			return &Reply{Ref: ref, Value: tup[2]}, nil
		}
	}
	return nil, fmt.Errorf("noded: not a reply: %v", msg)
}

// BadRPC wraps reason as {badrpc, Reason}.
func BadRPC(reason term.Term) term.Term {
	return term.Tuple{atomBadRPC, reason}
}

// Undef is the reason for an unknown function:
// {undef, M, F, Arity}.
func Undef(m, f string, arity int) term.Term {
	return term.Tuple{atomUndef, term.Atom(m), term.Atom(f), term.Int(arity)}
}
