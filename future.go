package nodelink

import (
	"context"
	"sync"
	"time"

	"github.com/glycerine/loquet"
	"github.com/glycerine/nodelink/term"
)

// Future is the handle of an AsyncCall. It resolves exactly
// once, with the reply or a failure or cancellation. The
// outcome is claimed first; the Future is done only after
// any callbacks for that outcome have returned.
type Future struct {
	ref term.Ref

	mut       sync.Mutex
	claimed   bool
	completed bool
	result    term.Term
	err       error

	done *loquet.Chan[term.Term]

	// stop releases the pending call's mailbox and waiter.
	stop     func()
	stopOnce sync.Once
}

func newFuture(ref term.Ref, stop func()) *Future {
	return &Future{
		ref:  ref,
		done: loquet.NewChan[term.Term](nil),
		stop: stop,
	}
}

// Ref is the correlation reference of the call.
func (f *Future) Ref() term.Ref { return f.ref }

// claim fixes f's outcome; it reports false if f already
// has one. Waiters are not woken until complete.
func (f *Future) claim(result term.Term, err error) bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.claimed {
		return false
	}
	f.claimed = true
	f.result = result
	f.err = err
	return true
}

func (f *Future) complete() {
	f.mut.Lock()
	f.completed = true
	f.mut.Unlock()
	f.done.Close()
}

func (f *Future) isClaimed() bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.claimed
}

func (f *Future) release() {
	f.stopOnce.Do(func() {
		if f.stop != nil {
			f.stop()
		}
	})
}

// Done is closed once f resolves and its callbacks are done.
func (f *Future) Done() <-chan struct{} {
	return f.done.WhenClosed()
}

func (f *Future) IsDone() bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.completed
}

// Get waits for the result or for ctx. A ctx that ends first
// returns a timeout or cancelled *RpcError but leaves f
// pending, so Get may be called again.
func (f *Future) Get(ctx context.Context) (term.Term, error) {
	select {
	case <-f.done.WhenClosed():
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &RpcError{Kind: KindTimeout, Peer: f.ref.Node, Err: ErrTimeout}
		}
		return nil, &RpcError{Kind: KindCancelled, Peer: f.ref.Node, Err: ctx.Err()}
	}
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.result, f.err
}

// GetTimeout is Get with a deadline d from now; d <= 0 waits
// forever.
func (f *Future) GetTimeout(d time.Duration) (term.Term, error) {
	if d <= 0 {
		return f.Get(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return f.Get(ctx)
}

// Cancel resolves a pending f with KindCancelled and drops any
// later reply; no callback tied to f starts afterwards. The
// remote side is not told. Cancel reports whether it was f's
// resolution.
func (f *Future) Cancel() bool {
	ok := f.claim(nil, &RpcError{Kind: KindCancelled, Peer: f.ref.Node, Err: ErrCancelled})
	if ok {
		f.complete()
	}
	f.release()
	return ok
}
