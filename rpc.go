package nodelink

import (
	"context"
	"errors"
	"time"

	"github.com/glycerine/nodelink/node"
	"github.com/glycerine/nodelink/noded"
	"github.com/glycerine/nodelink/term"
)

// RpcCallback receives the outcome of AsyncCallCb exactly once.
type RpcCallback func(result term.Term, err error)

// ResultCallback follows a progress call: Start with the
// call's ref, Progress for each intermediate message in
// arrival order, then Stop once with the final result.
// After Future.Cancel no further method is started.
type ResultCallback interface {
	Start(ref term.Ref)
	Progress(msg term.Term)
	Stop(result term.Term, err error)
}

// RpcResult is the error-free form of a call outcome.
type RpcResult struct {
	OK    bool
	Value term.Term
	Err   error
}

// pending is one in-flight call: its own reply mailbox
// and correlation ref.
type pending struct {
	n   node.Node
	mb  node.Mailbox
	ref term.Ref
	t0  time.Time
}

func (c *Connection) convert(sig string, args []any) (term.List, error) {
	ts, err := term.Convert(sig, args...)
	if err != nil {
		return nil, &RpcError{Kind: KindSignature, Peer: c.peer.Name, Err: err}
	}
	return term.List(ts), nil
}

func (c *Connection) transportErr(err error) error {
	return &RpcError{Kind: KindTransport, Peer: c.peer.Name, Err: err}
}

// begin converts the arguments, runs the pre-flight, and
// sends a call or progress call envelope. t0 is when the
// caller issued the call; ctx bounds the pre-flight, and
// nothing is sent once ctx has ended.
func (c *Connection) begin(ctx context.Context, t0 time.Time, progress bool, gleader term.Term, module, fun, sig string, args []any) (*pending, error) {
	targs, err := c.convert(sig, args)
	if err != nil {
		return nil, err
	}
	n, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		c.stats.add(func(s *Stats) { s.Failures++ })
		return nil, c.ctxErr(err)
	}
	mb, err := n.CreateMailbox("")
	if err != nil {
		return nil, c.transportErr(err)
	}
	p := &pending{n: n, mb: mb, ref: n.MakeRef(), t0: t0}
	if gleader == nil {
		gleader = noded.DefaultGroupLeader
	}
	var env term.Term
	if progress {
		env = noded.ProgressEnvelope(mb.Self(), p.ref, module, fun, targs, gleader)
	} else {
		env = noded.CallEnvelope(mb.Self(), p.ref, module, fun, targs, gleader)
	}
	c.stats.add(func(s *Stats) { s.Calls++ })
	if err := n.SendName(c.peer.Name, noded.RexMailbox, env); err != nil {
		mb.Close()
		c.stats.add(func(s *Stats) { s.Failures++ })
		return nil, c.transportErr(err)
	}
	return p, nil
}

// awaitReply waits on p's mailbox for the reply with p's ref,
// passing progress messages to onProgress.
func (c *Connection) awaitReply(ctx context.Context, p *pending, onProgress func(term.Term)) (term.Term, error) {
	for {
		msg, err := p.mb.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				return nil, &RpcError{Kind: KindTimeout, Peer: c.peer.Name, Err: ErrTimeout}
			case errors.Is(err, context.Canceled):
				return nil, &RpcError{Kind: KindCancelled, Peer: c.peer.Name, Err: ErrCancelled}
			case c.halt.ReqStop.IsClosed():
				return nil, c.transportErr(ErrShutdown)
			}
			return nil, c.transportErr(err)
		}
		rep, err := noded.ParseReply(msg)
		if err != nil || rep.Ref != p.ref {
			zz("dropping stray message %v", msg)
			continue
		}
		if rep.Progress {
			if onProgress != nil {
				onProgress(rep.Value)
			}
			continue
		}
		c.stats.observeLatency(time.Since(p.t0))
		return rep.Value, nil
	}
}

// timeoutCtx is the budget of a call issued at t0.
func timeoutCtx(t0 time.Time, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), t0.Add(timeout))
}

// Call runs module:fun(args) on the peer and waits up to
// timeout for the result; timeout <= 0 waits forever. The
// timeout counts from the moment Call is entered, so any
// connect attempt is charged to it. A nil gleader means the
// atom user. Remote failures come back as {badrpc, Reason}
// results, not as errors.
func (c *Connection) Call(timeout time.Duration, gleader term.Term, module, fun, sig string, args ...any) (term.Term, error) {
	t0 := time.Now()
	ctx, cancel := timeoutCtx(t0, timeout)
	defer cancel()
	p, err := c.begin(ctx, t0, false, gleader, module, fun, sig, args)
	if err != nil {
		return nil, err
	}
	defer p.mb.Close()
	res, err := c.awaitReply(ctx, p, nil)
	if err != nil {
		c.stats.add(func(s *Stats) { s.Failures++ })
	}
	return res, err
}

// CallNoException is Call with the outcome folded into
// an RpcResult.
func (c *Connection) CallNoException(timeout time.Duration, module, fun, sig string, args ...any) RpcResult {
	res, err := c.Call(timeout, nil, module, fun, sig, args...)
	if err != nil {
		return RpcResult{Err: err}
	}
	if _, bad := term.BadRPC(res); bad {
		return RpcResult{Value: res}
	}
	return RpcResult{OK: true, Value: res}
}

// Cast sends module:fun(args) without waiting; there is no
// reply and no delivery confirmation.
func (c *Connection) Cast(gleader term.Term, module, fun, sig string, args ...any) error {
	targs, err := c.convert(sig, args)
	if err != nil {
		return err
	}
	n, err := c.ensureConnected(context.Background())
	if err != nil {
		return err
	}
	if gleader == nil {
		gleader = noded.DefaultGroupLeader
	}
	c.stats.add(func(s *Stats) { s.Casts++ })
	if err := n.SendName(c.peer.Name, noded.RexMailbox, noded.CastEnvelope(module, fun, targs, gleader)); err != nil {
		c.stats.add(func(s *Stats) { s.Failures++ })
		return c.transportErr(err)
	}
	return nil
}

// AsyncCall starts a call and returns at once.
func (c *Connection) AsyncCall(gleader term.Term, module, fun, sig string, args ...any) (*Future, error) {
	t0 := time.Now()
	ctx, cancel := timeoutCtx(t0, 0)
	p, err := c.begin(ctx, t0, false, gleader, module, fun, sig, args)
	if err != nil {
		cancel()
		return nil, err
	}
	return c.startFuture(ctx, cancel, p, nil, nil), nil
}

// AsyncCallCb starts a call and returns at once; cb runs
// exactly once, on another goroutine, with the result or with
// a KindTimeout error once timeout has passed since the call
// was made. A reply arriving after that is dropped. Errors
// before the request is sent, including a timeout spent
// connecting, are returned and cb is not run.
func (c *Connection) AsyncCallCb(cb RpcCallback, timeout time.Duration, gleader term.Term, module, fun, sig string, args ...any) error {
	t0 := time.Now()
	ctx, cancel := timeoutCtx(t0, timeout)
	p, err := c.begin(ctx, t0, false, gleader, module, fun, sig, args)
	if err != nil {
		cancel()
		return err
	}
	c.startFuture(ctx, cancel, p, nil, cb)
	return nil
}

// AsyncCallWithProgress starts a progress call, whose remote
// handler may stream intermediate messages to cb before the
// final result. The Future resolves with that result.
func (c *Connection) AsyncCallWithProgress(cb ResultCallback, gleader term.Term, module, fun, sig string, args ...any) (*Future, error) {
	t0 := time.Now()
	ctx, cancel := timeoutCtx(t0, 0)
	p, err := c.begin(ctx, t0, true, gleader, module, fun, sig, args)
	if err != nil {
		cancel()
		return nil, err
	}
	return c.startFuture(ctx, cancel, p, cb, nil), nil
}

// startFuture waits for p's reply under ctx. The Future
// completes only after rc.Stop and cb have returned.
func (c *Connection) startFuture(ctx context.Context, cancel context.CancelFunc, p *pending, rc ResultCallback, cb RpcCallback) *Future {
	f := newFuture(p.ref, func() {
		cancel()
		p.mb.Close()
	})
	go func() {
		defer f.release()
		if rc != nil {
			rc.Start(p.ref)
		}
		res, err := c.awaitReply(ctx, p, func(msg term.Term) {
			if rc != nil && !f.isClaimed() {
				rc.Progress(msg)
			}
		})
		if !f.claim(res, err) {
			// cancelled first
			return
		}
		defer f.complete()
		if err != nil {
			c.stats.add(func(s *Stats) { s.Failures++ })
		}
		if rc != nil {
			rc.Stop(res, err)
		}
		if cb != nil {
			cb(res, err)
		}
	}()
	return f
}

// Send delivers msg to the process to, after the usual
// pre-flight. msg is converted like an 'x' argument.
func (c *Connection) Send(to term.Pid, msg any) error {
	t, n, err := c.sendPrep(msg)
	if err != nil {
		return err
	}
	if err := n.Send(to, t); err != nil {
		return c.transportErr(err)
	}
	return nil
}

// SendName delivers msg to the mailbox registered as name
// on nodeName.
func (c *Connection) SendName(nodeName, name string, msg any) error {
	t, n, err := c.sendPrep(msg)
	if err != nil {
		return err
	}
	if err := n.SendName(nodeName, name, t); err != nil {
		return c.transportErr(err)
	}
	return nil
}

// SendToPeer delivers msg to the mailbox registered as
// name on the peer.
func (c *Connection) SendToPeer(name string, msg any) error {
	return c.SendName(c.peer.Name, name, msg)
}

func (c *Connection) sendPrep(msg any) (term.Term, node.Node, error) {
	t, err := term.ToTerm(msg)
	if err != nil {
		return nil, nil, &RpcError{Kind: KindSignature, Peer: c.peer.Name, Err: err}
	}
	n, err := c.ensureConnected(context.Background())
	if err != nil {
		return nil, nil, err
	}
	c.stats.add(func(s *Stats) { s.Sends++ })
	return t, n, nil
}

// CreateMailbox makes a mailbox on the local node; name ""
// makes an anonymous one. No connection is needed.
func (c *Connection) CreateMailbox(name string) (node.Mailbox, error) {
	n := c.getNode()
	if n == nil {
		return nil, &RpcError{Kind: KindNoNode, Peer: c.peer.Name, Msg: "no local node; see RestartLocalNode"}
	}
	mb, err := n.CreateMailbox(name)
	if err != nil {
		return nil, c.transportErr(err)
	}
	return mb, nil
}
