package nodelink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/glycerine/nodelink/memnode"
	"github.com/glycerine/nodelink/term"
)

func reverse3(c *Connection) (term.Term, error) {
	return c.Call(time.Second, nil, "lists", "reverse", "li", []int{1, 2, 3})
}

func Test001_available_only_when_connected(t *testing.T) {

	cv.Convey("a new Connection is Disconnected; the first call probes once and connects", t, func() {
		h := newHarness(true, nil)
		defer h.close()

		cv.So(h.c.State(), cv.ShouldEqual, Disconnected)
		cv.So(h.c.IsAvailable(), cv.ShouldBeFalse)
		cv.So(h.c.NodeName(), cv.ShouldEqual, backend)
		cv.So(strings.HasPrefix(h.c.LocalNodeName(), "nodelink_"), cv.ShouldBeTrue)

		res, err := reverse3(h.c)
		panicOn(err)
		cv.So(term.Equal(res, term.List{term.Int(3), term.Int(2), term.Int(1)}), cv.ShouldBeTrue)
		cv.So(h.c.State(), cv.ShouldEqual, Connected)
		cv.So(h.c.IsAvailable(), cv.ShouldBeTrue)
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, 1)

		// Connected calls do not ping again.
		_, err = reverse3(h.c)
		panicOn(err)
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, 1)
		cv.So(h.c.Stats().ProbeLoops, cv.ShouldEqual, 1)
	})
}

func Test002_probe_loop_is_bounded(t *testing.T) {

	cv.Convey("an unanswering peer gets at most MaxRetries pings per call, and stays Disconnected without ConnectOnce", t, func() {
		h := newHarness(true, nil)
		defer h.close()
		h.hub.IgnorePings(backend, -1)

		_, err := reverse3(h.c)
		cv.So(IsKind(err, KindUnavailable), cv.ShouldBeTrue)
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, MaxRetries)
		cv.So(h.c.State(), cv.ShouldEqual, Disconnected)
		cv.So(h.c.IsAvailable(), cv.ShouldBeFalse)
		cv.So(h.note.count(), cv.ShouldEqual, 0)
		cv.So(h.proc.count(), cv.ShouldEqual, 0)

		// the next call tries again
		_, err = reverse3(h.c)
		cv.So(IsKind(err, KindUnavailable), cv.ShouldBeTrue)
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, 2*MaxRetries)

		// and a smaller configured bound is honored
		cfg := testConfig()
		cfg.MaxRetries = 3
		h2 := newHarness(true, cfg)
		defer h2.close()
		h2.hub.IgnorePings(backend, -1)
		_, err = reverse3(h2.c)
		cv.So(IsKind(err, KindUnavailable), cv.ShouldBeTrue)
		cv.So(h2.hub.PingCount(backend), cv.ShouldEqual, 3)
	})
}

func Test003_slow_starting_peer(t *testing.T) {

	cv.Convey("a peer that misses its first three pings is Connected on the fourth", t, func() {
		h := newHarness(true, nil)
		defer h.close()
		h.hub.IgnorePings(backend, 3)

		t0 := time.Now()
		_, err := reverse3(h.c)
		panicOn(err)
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, 4)
		cv.So(h.c.State(), cv.ShouldEqual, Connected)
		// three full attempts were waited out
		cv.So(time.Since(t0), cv.ShouldBeGreaterThanOrEqualTo, 30*time.Millisecond)
		cv.So(h.note.count(), cv.ShouldEqual, 0)
	})
}

func Test004_connect_once_goes_down_and_reports_once_per_episode(t *testing.T) {

	cv.Convey("with ConnectOnce a failed probe loop takes the peer Down; later calls fail at once with no new report until Reset", t, func() {
		cfg := testConfig()
		cfg.ConnectOnce = true
		cfg.IssueURL = "https://example.com/issues"
		h := newHarness(true, cfg)
		defer h.close()
		h.hub.IgnorePings(backend, -1)

		_, err := reverse3(h.c)
		cv.So(IsKind(err, KindDown), cv.ShouldBeTrue)
		var re *RpcError
		cv.So(errors.As(err, &re), cv.ShouldBeTrue)
		cv.So(re.Msg, cv.ShouldEqual, "Backend 'backend@host' is down")
		cv.So(h.c.State(), cv.ShouldEqual, Down)
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, MaxRetries)
		cv.So(h.note.count(), cv.ShouldEqual, 1)
		cv.So(h.note.last(), cv.ShouldContainSubstring, "Backend 'backend@host' is down")
		cv.So(h.note.last(), cv.ShouldContainSubstring, "misconfigured")
		cv.So(h.note.last(), cv.ShouldContainSubstring, "https://example.com/issues")
		cv.So(h.proc.count(), cv.ShouldEqual, 1)

		for i := 0; i < 3; i++ {
			_, err = reverse3(h.c)
			cv.So(IsKind(err, KindDown), cv.ShouldBeTrue)
		}
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, MaxRetries)
		cv.So(h.note.count(), cv.ShouldEqual, 1)
		cv.So(h.proc.count(), cv.ShouldEqual, 1)

		// Reset begins a new episode.
		h.c.Reset()
		cv.So(h.c.State(), cv.ShouldEqual, Disconnected)
		_, err = reverse3(h.c)
		cv.So(IsKind(err, KindDown), cv.ShouldBeTrue)
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, 2*MaxRetries)
		cv.So(h.note.count(), cv.ShouldEqual, 2)
		cv.So(h.proc.count(), cv.ShouldEqual, 2)

		// and a peer that answers again can be reached after Reset.
		h.c.Reset()
		h.hub.IgnorePings(backend, 0)
		_, err = reverse3(h.c)
		panicOn(err)
		cv.So(h.c.IsAvailable(), cv.ShouldBeTrue)
	})
}

func Test005_status_down_while_connected(t *testing.T) {

	cv.Convey("a down notice takes a Connected peer Down at once and reports; calls then fail without probing", t, func() {
		h := newHarness(true, nil)
		defer h.close()

		_, err := reverse3(h.c)
		panicOn(err)
		pings := h.hub.PingCount(backend)

		h.hub.Kill(backend)
		cv.So(h.c.State(), cv.ShouldEqual, Down)
		cv.So(h.c.IsAvailable(), cv.ShouldBeFalse)
		cv.So(h.note.count(), cv.ShouldEqual, 1)
		cv.So(h.note.last(), cv.ShouldContainSubstring, "Reset()")
		cv.So(h.proc.count(), cv.ShouldEqual, 1)

		t0 := time.Now()
		_, err = reverse3(h.c)
		cv.So(IsKind(err, KindDown), cv.ShouldBeTrue)
		cv.So(time.Since(t0), cv.ShouldBeLessThan, 10*time.Millisecond)
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, pings)
		cv.So(h.note.count(), cv.ShouldEqual, 1)
		cv.So(h.proc.count(), cv.ShouldEqual, 1)

		// an up notice does not undo Down
		h.hub.Revive(backend)
		time.Sleep(20 * time.Millisecond)
		cv.So(h.c.State(), cv.ShouldEqual, Down)
	})
}

func Test006_status_up_while_disconnected(t *testing.T) {

	cv.Convey("a peer that was not yet started is picked up by an up notice, without a call", t, func() {
		h := newHarness(false, nil)
		defer h.close()

		_, err := reverse3(h.c)
		cv.So(IsKind(err, KindUnavailable), cv.ShouldBeTrue)
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, MaxRetries)
		cv.So(h.c.State(), cv.ShouldEqual, Disconnected)

		h.startPeer()
		h.hub.Announce(backend)
		cv.So(waitFor(h.c.IsAvailable), cv.ShouldBeTrue)
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, MaxRetries+1)

		_, err = reverse3(h.c)
		panicOn(err)
		cv.So(h.note.count(), cv.ShouldEqual, 0)
	})
}

func Test007_status_for_other_nodes_is_ignored(t *testing.T) {

	cv.Convey("notices about some other node leave the state alone", t, func() {
		h := newHarness(true, nil)
		defer h.close()
		_, err := reverse3(h.c)
		panicOn(err)

		other, err := h.hub.NewNode("other@host", cookie)
		panicOn(err)
		h.hub.Kill("other@host")
		other.Close()
		cv.So(h.c.State(), cv.ShouldEqual, Connected)
		cv.So(h.note.count(), cv.ShouldEqual, 0)
	})
}

func Test008_local_node_creation_retries(t *testing.T) {

	cv.Convey("local node creation is retried, and a Connection without a node fails fast until RestartLocalNode works", t, func() {
		hub := memnode.NewHub()
		lock := NewConnectLock()
		peer := PeerIdentity{Name: backend, Cookie: cookie}

		hub.FailNextCreates(3)
		c, err := NewConnection(peer, hub, lock, testConfig())
		panicOn(err)
		c.Stop()

		cfg := testConfig()
		cfg.NodeCreateAttempts = 4
		hub.FailNextCreates(100)
		c, err = NewConnection(peer, hub, lock, cfg)
		defer c.Stop()
		var nce *NodeCreationError
		cv.So(errors.As(err, &nce), cv.ShouldBeTrue)
		cv.So(nce.Attempts, cv.ShouldEqual, 4)
		cv.So(errors.Is(err, memnode.ErrCreateFailed), cv.ShouldBeTrue)
		cv.So(c, cv.ShouldNotBeNil)
		cv.So(c.LocalNodeName(), cv.ShouldEqual, "")

		_, err = reverse3(c)
		cv.So(IsKind(err, KindNoNode), cv.ShouldBeTrue)
		_, err = c.CreateMailbox("")
		cv.So(IsKind(err, KindNoNode), cv.ShouldBeTrue)

		hub.FailNextCreates(0)
		panicOn(c.RestartLocalNode())
		cv.So(c.LocalNodeName(), cv.ShouldNotEqual, "")
	})
}

func Test009_restart_local_node_reconnects(t *testing.T) {

	cv.Convey("RestartLocalNode sends a Connected peer back to Disconnected, and the next call probes on the new node", t, func() {
		h := newHarness(true, nil)
		defer h.close()
		_, err := reverse3(h.c)
		panicOn(err)
		first := h.c.LocalNodeName()

		panicOn(h.c.RestartLocalNode())
		cv.So(h.c.LocalNodeName(), cv.ShouldNotEqual, first)
		cv.So(h.c.State(), cv.ShouldEqual, Disconnected)

		_, err = reverse3(h.c)
		panicOn(err)
		cv.So(h.c.State(), cv.ShouldEqual, Connected)
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, 2)
	})
}

func Test010_concurrent_callers_share_one_probe(t *testing.T) {

	cv.Convey("callers racing on a Disconnected peer run a single probe loop between them", t, func() {
		h := newHarness(true, nil)
		defer h.close()
		h.hub.IgnorePings(backend, 2)

		var wg sync.WaitGroup
		errs := make([]error, 20)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = reverse3(h.c)
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			cv.So(err, cv.ShouldBeNil)
		}
		cv.So(h.hub.PingCount(backend), cv.ShouldEqual, 3)
		cv.So(h.c.Stats().ProbeLoops, cv.ShouldEqual, 1)
	})
}

func Test011_connect_lock_is_shared_across_connections(t *testing.T) {

	cv.Convey("probe loops of two Connections sharing a ConnectLock do not overlap", t, func() {
		hub := memnode.NewHub()
		lock := NewConnectLock()
		for _, name := range []string{"a@host", "b@host"} {
			_, err := hub.NewNode(name, cookie)
			panicOn(err)
			hub.IgnorePings(name, 3)
		}
		ca, err := NewConnection(PeerIdentity{Name: "a@host", Cookie: cookie}, hub, lock, testConfig())
		panicOn(err)
		defer ca.Stop()
		cb, err := NewConnection(PeerIdentity{Name: "b@host", Cookie: cookie}, hub, lock, testConfig())
		panicOn(err)
		defer cb.Stop()

		// each loop waits out three ~10ms attempts
		t0 := time.Now()
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, c := range []*Connection{ca, cb} {
			wg.Add(1)
			go func(i int, c *Connection) {
				defer wg.Done()
				_, errs[i] = c.ensureConnected(context.Background())
			}(i, c)
		}
		wg.Wait()
		for _, err := range errs {
			cv.So(err, cv.ShouldBeNil)
		}
		cv.So(ca.IsAvailable(), cv.ShouldBeTrue)
		cv.So(cb.IsAvailable(), cv.ShouldBeTrue)
		cv.So(time.Since(t0), cv.ShouldBeGreaterThanOrEqualTo, 60*time.Millisecond)
	})
}

func Test012_probe_timeouts_never_shrink(t *testing.T) {

	cv.Convey("probe timeouts stay within [base, base+2ms] and never decrease", t, func() {
		for _, base := range []time.Duration{time.Millisecond, 10 * time.Millisecond, DefaultConnectDelay, 301 * time.Millisecond} {
			var prev time.Duration
			for k := 0; k < MaxRetries; k++ {
				d := probeTimeout(base, k, prev)
				cv.So(d, cv.ShouldBeGreaterThanOrEqualTo, prev)
				cv.So(d, cv.ShouldBeGreaterThanOrEqualTo, base)
				cv.So(d, cv.ShouldBeLessThanOrEqualTo, base+2*time.Millisecond)
				prev = d
			}
		}
	})
}

func Test013_stop(t *testing.T) {

	cv.Convey("after Stop every call fails with ErrShutdown", t, func() {
		h := newHarness(true, nil)
		defer h.close()
		_, err := reverse3(h.c)
		panicOn(err)

		h.c.Stop()
		_, err = reverse3(h.c)
		cv.So(IsKind(err, KindUnavailable), cv.ShouldBeTrue)
		cv.So(errors.Is(err, ErrShutdown), cv.ShouldBeTrue)
		cv.So(h.c.RestartLocalNode(), cv.ShouldEqual, ErrShutdown)
		h.c.Stop() // idempotent
	})
}
