package nodelink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/glycerine/nodelink/noded"
	"github.com/glycerine/nodelink/term"
)

func Test101_call(t *testing.T) {

	cv.Convey("Call returns results, remote failures as badrpc values, and typed errors for timeouts and bad arguments", t, func() {
		h := newHarness(true, nil)
		defer h.close()

		// bad arguments fail before any probe
		_, err := h.c.Call(time.Second, nil, "lists", "reverse", "i", "not an int")
		cv.So(IsKind(err, KindSignature), cv.ShouldBeTrue)
		var se *term.SignatureError
		cv.So(errors.As(err, &se), cv.ShouldBeTrue)
		_, err = h.c.Call(time.Second, nil, "lists", "reverse", "ii", 1)
		cv.So(IsKind(err, KindSignature), cv.ShouldBeTrue)
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, 0)

		res, err := h.c.Call(time.Second, nil, "lists", "sum", "li", []int{1, 2, 3, 4})
		panicOn(err)
		cv.So(res, cv.ShouldEqual, term.Int(10))

		// an empty signature converts each argument as 'x'
		res, err = h.c.Call(time.Second, nil, "nodelink", "echo", "", "s", 1, 2.5, true)
		panicOn(err)
		cv.So(term.Equal(res, term.List{term.Str("s"), term.Int(1), term.Float(2.5), term.True}), cv.ShouldBeTrue)

		res, err = h.c.Call(time.Second, nil, "no_such", "fun", "i", 1)
		panicOn(err)
		reason, bad := term.BadRPC(res)
		cv.So(bad, cv.ShouldBeTrue)
		cv.So(term.Equal(reason, term.Tuple{term.Atom("undef"), term.Atom("no_such"), term.Atom("fun"), term.Int(1)}), cv.ShouldBeTrue)

		r := h.c.CallNoException(time.Second, "no_such", "fun", "")
		cv.So(r.OK, cv.ShouldBeFalse)
		cv.So(r.Err, cv.ShouldBeNil)
		r = h.c.CallNoException(time.Second, "erlang", "node", "")
		cv.So(r.OK, cv.ShouldBeTrue)
		cv.So(r.Value, cv.ShouldEqual, term.Atom(backend))

		t0 := time.Now()
		_, err = h.c.Call(20*time.Millisecond, nil, "timer", "sleep", "i", 300)
		cv.So(IsKind(err, KindTimeout), cv.ShouldBeTrue)
		cv.So(errors.Is(err, ErrTimeout), cv.ShouldBeTrue)
		cv.So(time.Since(t0), cv.ShouldBeLessThan, 250*time.Millisecond)
		r = h.c.CallNoException(20*time.Millisecond, "timer", "sleep", "i", 300)
		cv.So(IsKind(r.Err, KindTimeout), cv.ShouldBeTrue)

		// timeout <= 0 waits as long as it takes
		res, err = h.c.Call(0, nil, "timer", "sleep", "i", 30)
		panicOn(err)
		cv.So(res, cv.ShouldEqual, term.OK)

		snap := h.c.Stats()
		cv.So(snap.Completed, cv.ShouldBeGreaterThan, 0)
		cv.So(snap.Q50, cv.ShouldBeGreaterThan, 0)
	})
}

func Test102_group_leader_reaches_the_handler(t *testing.T) {

	cv.Convey("the group leader rides along with a call; nil means the atom user", t, func() {
		h := newHarness(true, nil)
		defer h.close()

		gls := make(chan term.Term, 2)
		h.srv.Register("t", "gl", func(ctx context.Context, args term.List) (term.Term, error) {
			gl, _ := noded.GroupLeaderFromContext(ctx)
			gls <- gl
			return term.OK, nil
		})
		_, err := h.c.Call(time.Second, nil, "t", "gl", "")
		panicOn(err)
		cv.So(<-gls, cv.ShouldEqual, term.Atom("user"))

		_, err = h.c.Call(time.Second, term.Atom("my_leader"), "t", "gl", "")
		panicOn(err)
		cv.So(<-gls, cv.ShouldEqual, term.Atom("my_leader"))
	})
}

func Test103_casts_are_not_deduplicated(t *testing.T) {

	cv.Convey("two identical casts are two deliveries", t, func() {
		h := newHarness(true, nil)
		defer h.close()

		got := make(chan term.Term, 10)
		h.srv.Register("t", "note", func(ctx context.Context, args term.List) (term.Term, error) {
			got <- args[0]
			return term.OK, nil
		})
		// connect first, so deliveries count only the casts
		_, err := reverse3(h.c)
		panicOn(err)
		before := h.hub.Delivered(backend)

		panicOn(h.c.Cast(nil, "t", "note", "a", "hello"))
		panicOn(h.c.Cast(nil, "t", "note", "a", "hello"))
		cv.So(h.hub.Delivered(backend), cv.ShouldEqual, before+2)
		cv.So(h.c.Stats().Casts, cv.ShouldEqual, 2)
		for i := 0; i < 2; i++ {
			select {
			case a := <-got:
				cv.So(a, cv.ShouldEqual, term.Atom("hello"))
			case <-time.After(5 * time.Second):
				panic("cast never ran")
			}
		}

		err = h.c.Cast(nil, "t", "note", "a", 42)
		cv.So(IsKind(err, KindSignature), cv.ShouldBeTrue)
	})
}

func Test104_concurrent_calls_get_their_own_results(t *testing.T) {

	cv.Convey("many goroutines calling at once each see only their own reply", t, func() {
		h := newHarness(true, nil)
		defer h.close()

		const n = 50
		var wg sync.WaitGroup
		res := make([]term.Term, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res[i], errs[i] = h.c.Call(5*time.Second, nil, "nodelink", "echo", "i", i)
			}(i)
		}
		wg.Wait()
		for i := 0; i < n; i++ {
			cv.So(errs[i], cv.ShouldBeNil)
			cv.So(term.Equal(res[i], term.List{term.Int(i)}), cv.ShouldBeTrue)
		}
		cv.So(h.c.Stats().Calls, cv.ShouldEqual, n)
	})
}

func Test105_futures(t *testing.T) {

	cv.Convey("AsyncCall futures resolve once, can be waited on repeatedly, and can be cancelled", t, func() {
		h := newHarness(true, nil)
		defer h.close()

		f, err := h.c.AsyncCall(nil, "timer", "sleep", "i", 50)
		panicOn(err)
		cv.So(f.IsDone(), cv.ShouldBeFalse)

		// a short wait gives up without resolving f
		_, err = f.GetTimeout(5 * time.Millisecond)
		cv.So(IsKind(err, KindTimeout), cv.ShouldBeTrue)
		cv.So(f.IsDone(), cv.ShouldBeFalse)

		res, err := f.GetTimeout(5 * time.Second)
		panicOn(err)
		cv.So(res, cv.ShouldEqual, term.OK)
		cv.So(f.IsDone(), cv.ShouldBeTrue)
		select {
		case <-f.Done():
		default:
			panic("Done should be closed")
		}
		cv.So(f.Ref().Node, cv.ShouldEqual, h.c.LocalNodeName())
		cv.So(f.Cancel(), cv.ShouldBeFalse)

		// cancel
		f, err = h.c.AsyncCall(nil, "timer", "sleep", "i", 300)
		panicOn(err)
		cv.So(f.Cancel(), cv.ShouldBeTrue)
		cv.So(f.Cancel(), cv.ShouldBeFalse)
		_, err = f.Get(context.Background())
		cv.So(IsKind(err, KindCancelled), cv.ShouldBeTrue)
		cv.So(errors.Is(err, ErrCancelled), cv.ShouldBeTrue)

		// a context cancelled by the caller
		f, err = h.c.AsyncCall(nil, "timer", "sleep", "i", 100)
		panicOn(err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = f.Get(ctx)
		cv.So(IsKind(err, KindCancelled), cv.ShouldBeTrue)
		res, err = f.GetTimeout(0)
		panicOn(err)
		cv.So(res, cv.ShouldEqual, term.OK)
	})
}

func Test106_async_callback(t *testing.T) {

	cv.Convey("AsyncCallCb runs its callback exactly once, with the result or a timeout", t, func() {
		h := newHarness(true, nil)
		defer h.close()

		type outcome struct {
			res term.Term
			err error
		}
		got := make(chan outcome, 10)
		cb := func(res term.Term, err error) {
			got <- outcome{res, err}
		}

		panicOn(h.c.AsyncCallCb(cb, time.Second, nil, "lists", "reverse", "la", []string{"a", "b"}))
		o := <-got
		panicOn(o.err)
		cv.So(term.Equal(o.res, term.List{term.Atom("b"), term.Atom("a")}), cv.ShouldBeTrue)

		panicOn(h.c.AsyncCallCb(cb, 20*time.Millisecond, nil, "timer", "sleep", "i", 100))
		o = <-got
		cv.So(IsKind(o.err, KindTimeout), cv.ShouldBeTrue)

		// the late reply is dropped
		time.Sleep(150 * time.Millisecond)
		cv.So(len(got), cv.ShouldEqual, 0)

		// errors before sending come back directly
		err := h.c.AsyncCallCb(cb, time.Second, nil, "timer", "sleep", "i", "x")
		cv.So(IsKind(err, KindSignature), cv.ShouldBeTrue)
		time.Sleep(10 * time.Millisecond)
		cv.So(len(got), cv.ShouldEqual, 0)
	})
}

type progressRecorder struct {
	mut     sync.Mutex
	started []term.Ref
	msgs    []term.Term
	stops   int
	result  term.Term
	err     error
	stopped chan struct{}
}

func newProgressRecorder() *progressRecorder {
	return &progressRecorder{stopped: make(chan struct{})}
}

func (p *progressRecorder) Start(ref term.Ref) {
	p.mut.Lock()
	p.started = append(p.started, ref)
	p.mut.Unlock()
}

func (p *progressRecorder) Progress(msg term.Term) {
	p.mut.Lock()
	p.msgs = append(p.msgs, msg)
	p.mut.Unlock()
}

func (p *progressRecorder) Stop(result term.Term, err error) {
	p.mut.Lock()
	p.stops++
	p.result, p.err = result, err
	p.mut.Unlock()
	close(p.stopped)
}

func Test107_progress_call(t *testing.T) {

	cv.Convey("AsyncCallWithProgress delivers Start, each progress message in order, then one Stop", t, func() {
		h := newHarness(true, nil)
		defer h.close()

		rec := newProgressRecorder()
		f, err := h.c.AsyncCallWithProgress(rec, nil, "nodelink", "count", "ii", 5, 1)
		panicOn(err)
		res, err := f.GetTimeout(5 * time.Second)
		panicOn(err)
		cv.So(res, cv.ShouldEqual, term.Int(5))
		<-rec.stopped

		rec.mut.Lock()
		defer rec.mut.Unlock()
		cv.So(len(rec.started), cv.ShouldEqual, 1)
		cv.So(rec.started[0], cv.ShouldResemble, f.Ref())
		cv.So(len(rec.msgs), cv.ShouldEqual, 5)
		for i, m := range rec.msgs {
			cv.So(m, cv.ShouldEqual, term.Int(i+1))
		}
		cv.So(rec.stops, cv.ShouldEqual, 1)
		cv.So(rec.err, cv.ShouldBeNil)
		cv.So(rec.result, cv.ShouldEqual, term.Int(5))
	})

	cv.Convey("a cancelled progress call gets no more callbacks", t, func() {
		h := newHarness(true, nil)
		defer h.close()

		rec := newProgressRecorder()
		f, err := h.c.AsyncCallWithProgress(rec, nil, "nodelink", "count", "ii", 100, 5)
		panicOn(err)
		time.Sleep(20 * time.Millisecond)
		cv.So(f.Cancel(), cv.ShouldBeTrue)
		// let a callback already under way finish
		time.Sleep(10 * time.Millisecond)
		rec.mut.Lock()
		seen := len(rec.msgs)
		rec.mut.Unlock()

		time.Sleep(50 * time.Millisecond)
		rec.mut.Lock()
		defer rec.mut.Unlock()
		cv.So(len(rec.msgs), cv.ShouldEqual, seen)
		cv.So(seen, cv.ShouldBeLessThan, 100)
		cv.So(rec.stops, cv.ShouldEqual, 0)
	})
}

func Test108_raw_sends(t *testing.T) {

	cv.Convey("Send and SendName deliver plain messages to mailboxes", t, func() {
		h := newHarness(true, nil)
		defer h.close()

		inbox, err := h.peer.CreateMailbox("inbox")
		panicOn(err)
		defer inbox.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		panicOn(h.c.SendToPeer("inbox", "hi"))
		msg, err := inbox.Receive(ctx)
		panicOn(err)
		cv.So(msg, cv.ShouldEqual, term.Str("hi"))

		panicOn(h.c.SendName(backend, "inbox", term.Tuple{term.Atom("x"), term.Int(1)}))
		msg, err = inbox.Receive(ctx)
		panicOn(err)
		cv.So(term.Equal(msg, term.Tuple{term.Atom("x"), term.Int(1)}), cv.ShouldBeTrue)

		panicOn(h.c.Send(inbox.Self(), 7))
		msg, err = inbox.Receive(ctx)
		panicOn(err)
		cv.So(msg, cv.ShouldEqual, term.Int(7))

		// a local mailbox works as a return address
		mine, err := h.c.CreateMailbox("mine")
		panicOn(err)
		defer mine.Close()
		panicOn(h.c.Send(mine.Self(), []int{1, 2}))
		msg, err = mine.Receive(ctx)
		panicOn(err)
		cv.So(term.Equal(msg, term.List{term.Int(1), term.Int(2)}), cv.ShouldBeTrue)
		cv.So(h.c.Stats().Sends, cv.ShouldEqual, 4)

		// sends share the pre-flight
		h.hub.Kill(backend)
		err = h.c.SendToPeer("inbox", "again")
		cv.So(IsKind(err, KindDown), cv.ShouldBeTrue)
	})
}

func Test109_timeout_counts_from_issue(t *testing.T) {

	cv.Convey("a Call against a slow-to-answer peer times out on its own budget, connect time included", t, func() {
		cfg := testConfig()
		cfg.ConnectDelay = 100 * time.Millisecond
		h := newHarness(true, cfg)
		defer h.close()
		// three unanswered pings would take 300ms
		h.hub.IgnorePings(backend, 3)

		t0 := time.Now()
		_, err := h.c.Call(150*time.Millisecond, nil, "timer", "sleep", "i", 10)
		cv.So(IsKind(err, KindTimeout), cv.ShouldBeTrue)
		cv.So(errors.Is(err, ErrTimeout), cv.ShouldBeTrue)
		cv.So(time.Since(t0), cv.ShouldBeLessThan, 250*time.Millisecond)
		cv.So(h.c.State(), cv.ShouldEqual, Disconnected)

		// a generous budget gets through
		res, err := h.c.Call(5*time.Second, nil, "timer", "sleep", "i", 10)
		panicOn(err)
		cv.So(res, cv.ShouldEqual, term.OK)
		cv.So(h.c.State(), cv.ShouldEqual, Connected)
	})

	cv.Convey("AsyncCallCb returns the timeout itself when it runs out while connecting", t, func() {
		cfg := testConfig()
		cfg.ConnectDelay = 100 * time.Millisecond
		h := newHarness(true, cfg)
		defer h.close()
		h.hub.IgnorePings(backend, 3)

		var ran atomic.Int32
		cb := func(res term.Term, err error) { ran.Add(1) }
		t0 := time.Now()
		err := h.c.AsyncCallCb(cb, 150*time.Millisecond, nil, "timer", "sleep", "i", 10)
		cv.So(IsKind(err, KindTimeout), cv.ShouldBeTrue)
		cv.So(time.Since(t0), cv.ShouldBeLessThan, 250*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		cv.So(ran.Load(), cv.ShouldEqual, 0)
		cv.So(h.c.State(), cv.ShouldEqual, Disconnected)
	})
}

// slowStopper takes its time in Stop.
type slowStopper struct {
	stopped atomic.Bool
}

func (s *slowStopper) Start(ref term.Ref)      {}
func (s *slowStopper) Progress(msg term.Term) {}
func (s *slowStopper) Stop(result term.Term, err error) {
	time.Sleep(100 * time.Millisecond)
	s.stopped.Store(true)
}

func Test110_future_is_done_after_its_callbacks(t *testing.T) {

	cv.Convey("a progress call's Future is not done until Stop has returned", t, func() {
		h := newHarness(true, nil)
		defer h.close()

		rc := &slowStopper{}
		f, err := h.c.AsyncCallWithProgress(rc, nil, "nodelink", "count", "ii", 2, 0)
		panicOn(err)
		res, err := f.GetTimeout(5 * time.Second)
		panicOn(err)
		cv.So(res, cv.ShouldEqual, term.Int(2))
		cv.So(rc.stopped.Load(), cv.ShouldBeTrue)
		cv.So(f.IsDone(), cv.ShouldBeTrue)
		cv.So(f.Cancel(), cv.ShouldBeFalse)
	})
}
