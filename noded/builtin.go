package noded

import (
	"context"
	"fmt"
	"time"

	"github.com/glycerine/nodelink/term"
)

// RegisterBuiltins installs a handful of small modules,
// handy for smoke tests and the command line tools:
//
//	erlang:node()            -> this node's name
//	lists:reverse(L)         -> L reversed
//	lists:sum(L)             -> sum of integers in L
//	timer:sleep(Ms)          -> ok, after Ms milliseconds
//	io:format(Fmt, Args)     -> ok, printed to stdout
//	nodelink:echo(A...)      -> [A...]
//	nodelink:count(N, Ms)    -> progress 1..N every Ms, then N
func (s *Server) RegisterBuiltins() {
	s.Register("erlang", "node", func(ctx context.Context, args term.List) (term.Term, error) {
		return term.Atom(s.n.Name()), nil
	})
	s.Register("lists", "reverse", func(ctx context.Context, args term.List) (term.Term, error) {
		l, err := listArg(args, 0, 1)
		if err != nil {
			return nil, err
		}
		r := make(term.List, len(l))
		for i, t := range l {
			r[len(l)-1-i] = t
		}
		return r, nil
	})
	s.Register("lists", "sum", func(ctx context.Context, args term.List) (term.Term, error) {
		l, err := listArg(args, 0, 1)
		if err != nil {
			return nil, err
		}
		var sum term.Int
		for _, t := range l {
			i, ok := t.(term.Int)
			if !ok {
				return nil, &Exception{Reason: term.Tuple{term.Atom("badarith"), t}}
			}
			sum += i
		}
		return sum, nil
	})
	s.Register("timer", "sleep", func(ctx context.Context, args term.List) (term.Term, error) {
		ms, err := intArg(args, 0, 1)
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return term.OK, nil
	})
	s.Register("io", "format", func(ctx context.Context, args term.List) (term.Term, error) {
		if len(args) != 2 {
			return nil, badArity(len(args), 2)
		}
		gl, _ := GroupLeaderFromContext(ctx)
		fmt.Printf("[%v] %v %v\n", gl, args[0], args[1])
		return term.OK, nil
	})
	s.Register("nodelink", "echo", func(ctx context.Context, args term.List) (term.Term, error) {
		return append(term.List{}, args...), nil
	})
	s.RegisterProgress("nodelink", "count", func(ctx context.Context, args term.List, progress func(term.Term)) (term.Term, error) {
		n, err := intArg(args, 0, 2)
		if err != nil {
			return nil, err
		}
		ms, err := intArg(args, 1, 2)
		if err != nil {
			return nil, err
		}
		for i := int64(1); i <= n; i++ {
			if ms > 0 {
				select {
				case <-time.After(time.Duration(ms) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			progress(term.Int(i))
		}
		return term.Int(n), nil
	})
}

func badArity(got, want int) error {
	return &Exception{Reason: term.Tuple{term.Atom("badarity"), term.Int(got), term.Int(want)}}
}

func listArg(args term.List, i, arity int) (term.List, error) {
	if len(args) != arity {
		return nil, badArity(len(args), arity)
	}
	l, ok := args[i].(term.List)
	if !ok {
		return nil, &Exception{Reason: term.Tuple{term.Atom("badarg"), args[i]}}
	}
	return l, nil
}

func intArg(args term.List, i, arity int) (int64, error) {
	if len(args) != arity {
		return 0, badArity(len(args), arity)
	}
	n, ok := args[i].(term.Int)
	if !ok {
		return 0, &Exception{Reason: term.Tuple{term.Atom("badarg"), args[i]}}
	}
	return int64(n), nil
}
