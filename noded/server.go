// Package noded is the remote side of nodelink RPC: a "rex"
// server that runs registered module:function handlers for
// call, cast, and progress-call envelopes arriving on a node.
package noded

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glycerine/idem"
	"github.com/glycerine/nodelink/node"
	"github.com/glycerine/nodelink/term"
)

// Handler runs one call or cast. A returned error becomes
// {badrpc, Reason}; return an *Exception to pick Reason.
type Handler func(ctx context.Context, args term.List) (term.Term, error)

// ProgressHandler may call progress any number of times
// before returning its final result.
type ProgressHandler func(ctx context.Context, args term.List, progress func(msg term.Term)) (term.Term, error)

// Exception is an error whose Reason term is sent back
// verbatim inside {badrpc, Reason}.
type Exception struct {
	Reason term.Term
}

func (e *Exception) Error() string { return fmt.Sprintf("remote exception: %v", e.Reason) }

type glKey struct{}

// GroupLeaderFromContext returns the group leader the
// caller attached to the request.
func GroupLeaderFromContext(ctx context.Context) (term.Term, bool) {
	gl, ok := ctx.Value(glKey{}).(term.Term)
	return gl, ok
}

type funcKey struct {
	module   string
	function string
}

// Server answers requests on one node's rex mailbox.
type Server struct {
	n  node.Node
	mb node.Mailbox

	mut      sync.Mutex
	funcs    map[funcKey]Handler
	progress map[funcKey]ProgressHandler

	halt   *idem.Halter
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	served atomic.Int64
}

func NewServer(n node.Node) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		n:        n,
		funcs:    make(map[funcKey]Handler),
		progress: make(map[funcKey]ProgressHandler),
		halt:     idem.NewHalterNamed(fmt.Sprintf("noded(%v)", n.Name())),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register makes module:function callable. Registering
// again replaces the handler.
func (s *Server) Register(module, function string, h Handler) {
	s.mut.Lock()
	s.funcs[funcKey{module, function}] = h
	s.mut.Unlock()
}

func (s *Server) RegisterProgress(module, function string, h ProgressHandler) {
	s.mut.Lock()
	s.progress[funcKey{module, function}] = h
	s.mut.Unlock()
}

// Served counts requests handled so far, casts included.
func (s *Server) Served() int64 { return s.served.Load() }

// Start registers the rex mailbox and begins serving.
func (s *Server) Start() error {
	mb, err := s.n.CreateMailbox(RexMailbox)
	if err != nil {
		return err
	}
	s.mb = mb
	go s.serve()
	return nil
}

func (s *Server) serve() {
	defer s.halt.Done.Close()
	for {
		msg, err := s.mb.Receive(s.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, node.ErrMailboxClosed) {
				alwaysPrintf("noded '%v' receive error: '%v'", s.n.Name(), err)
			}
			return
		}
		req, err := ParseRequest(msg)
		if err != nil {
			alwaysPrintf("noded '%v' ignoring: %v", s.n.Name(), err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(req)
		}()
	}
}

func (s *Server) handle(req *Request) {
	ctx := context.WithValue(s.ctx, glKey{}, req.GL)
	key := funcKey{req.Module, req.Function}

	s.mut.Lock()
	h := s.funcs[key]
	ph := s.progress[key]
	s.mut.Unlock()

	var result term.Term
	switch {
	case req.Kind == KindProgressCall && ph != nil:
		progress := func(msg term.Term) {
			s.reply(req.From, ProgressMessage(req.Ref, msg))
		}
		result = run(func() (term.Term, error) { return ph(ctx, req.Args, progress) })
	case ph != nil && h == nil:
		// plain call of a progress function: drop the progress
		result = run(func() (term.Term, error) { return ph(ctx, req.Args, func(term.Term) {}) })
	case h != nil:
		result = run(func() (term.Term, error) { return h(ctx, req.Args) })
	default:
		result = BadRPC(Undef(req.Module, req.Function, len(req.Args)))
	}
	s.served.Add(1)

	switch req.Kind {
	case KindCall:
		s.reply(req.From, ReplyEnvelope(req.Ref, result))
	case KindProgressCall:
		s.reply(req.From, DoneMessage(req.Ref, result))
	}
}

// run turns errors and panics into {badrpc, Reason}.
func run(f func() (term.Term, error)) (result term.Term) {
	defer func() {
		if r := recover(); r != nil {
			result = BadRPC(term.Tuple{atomExit, term.Str(fmt.Sprint(r))})
		}
	}()
	res, err := f()
	if err != nil {
		var exc *Exception
		if errors.As(err, &exc) {
			return BadRPC(exc.Reason)
		}
		return BadRPC(term.Str(err.Error()))
	}
	if res == nil {
		return term.OK
	}
	return res
}

func (s *Server) reply(to term.Pid, msg term.Term) {
	if err := s.n.Send(to, msg); err != nil {
		pp("noded '%v' could not reply to %v: '%v'", s.n.Name(), to, err)
	}
}

// Close stops serving and waits for running handlers;
// handlers see their context cancelled.
func (s *Server) Close() {
	if s.halt.ReqStop.IsClosed() {
		return
	}
	s.halt.ReqStop.Close()
	s.cancel()
	if s.mb == nil {
		s.halt.Done.Close()
		return
	}
	s.mb.Close()
	<-s.halt.Done.Chan
	s.wg.Wait()
}
