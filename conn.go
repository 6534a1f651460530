package nodelink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/nodelink/node"
)

// State of a Connection.
type State int32

const (
	Disconnected State = iota // initial
	Connected                 // usable
	Down                      // failed until Reset
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connected:
		return "CONNECTED"
	case Down:
		return "DOWN"
	}
	return fmt.Sprintf("unknown_state_%v", int32(s))
}

// ConnectLock serializes connection attempts across every
// Connection that shares it, so that many peers coming
// back at once probe one at a time. Make one per process
// and hand it to each NewConnection.
type ConnectLock struct {
	once sync.Once
	sem  chan struct{}
}

func NewConnectLock() *ConnectLock {
	return &ConnectLock{sem: make(chan struct{}, 1)}
}

// lock waits for the lock or for ctx, whichever is first.
func (l *ConnectLock) lock(ctx context.Context) error {
	l.once.Do(func() {
		if l.sem == nil {
			l.sem = make(chan struct{}, 1)
		}
	})
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *ConnectLock) unlock() {
	<-l.sem
}

// Option configures optional collaborators of a Connection.
type Option func(c *Connection)

// WithProcess associates the OS process of the peer;
// it is asked to terminate when the peer is judged down.
// That happens once per down episode, not on every call
// made while Down; Reset starts a new episode.
func WithProcess(p ProcessHandle) Option {
	return func(c *Connection) {
		c.process = p
	}
}

// WithNotifier routes the down diagnostic somewhere other
// than the log.
func WithNotifier(n Notifier) Option {
	return func(c *Connection) {
		c.notifier = n
	}
}

// Connection is the session with one remote node: its
// state machine, its local node, and the RPC surface
// in rpc.go.
type Connection struct {
	peer        PeerIdentity
	cfg         *Config
	tr          node.Transport
	connectLock *ConnectLock
	process     ProcessHandle
	notifier    Notifier

	// mu guards the fields below; held only while
	// deciding, never across a probe or a send.
	mu         sync.Mutex
	state      State
	reported   bool
	terminated bool

	// nodeMu serializes (re)building the local node.
	nodeMu sync.Mutex
	local  atomic.Pointer[nodeBox]

	probing atomic.Bool
	halt    *idem.Halter
	stats   *Stats
}

type nodeBox struct {
	n node.Node
}

// NewConnection creates the local node on tr and returns a
// Connection in state Disconnected. If the local node cannot be
// created, the Connection is still returned along with the
// *NodeCreationError; its calls fail fast until
// RestartLocalNode succeeds.
func NewConnection(peer PeerIdentity, tr node.Transport, lock *ConnectLock, cfg *Config, opts ...Option) (c *Connection, err error) {
	if lock == nil {
		return nil, fmt.Errorf("nodelink: NewConnection needs a ConnectLock")
	}
	if tr == nil {
		return nil, fmt.Errorf("nodelink: NewConnection needs a node.Transport")
	}
	if cfg == nil {
		cfg = NewConfig()
	}
	c = &Connection{
		peer:        peer,
		cfg:         cfg.Clone(),
		tr:          tr,
		connectLock: lock,
		notifier:    LogNotifier{},
		state:       Disconnected,
		halt:        idem.NewHalterNamed(fmt.Sprintf("Connection(%v)", peer.Name)),
		stats:       newStats(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{}
	}
	err = c.RestartLocalNode()
	return c, err
}

func (c *Connection) getNode() node.Node {
	if b := c.local.Load(); b != nil {
		return b.n
	}
	return nil
}

// RestartLocalNode closes the local node, if any, and builds
// a new one. A Connected peer goes back to Disconnected, so
// the next call probes through the new node.
func (c *Connection) RestartLocalNode() error {
	c.nodeMu.Lock()
	defer c.nodeMu.Unlock()
	if c.halt.ReqStop.IsClosed() {
		return ErrShutdown
	}
	if old := c.getNode(); old != nil {
		c.local.Store(nil)
		old.Close()
	}
	c.mu.Lock()
	if c.state == Connected {
		c.state = Disconnected
	}
	c.mu.Unlock()

	n, err := buildNode(c.tr, c.cfg, c.peer, c.halt)
	if err != nil {
		return err
	}
	n.RegisterStatusObserver(c)
	c.local.Store(&nodeBox{n: n})
	return nil
}

// NodeName is the remote peer's node name.
func (c *Connection) NodeName() string { return c.peer.Name }

func (c *Connection) Peer() PeerIdentity { return c.peer }

// LocalNodeName is "" when there is no local node.
func (c *Connection) LocalNodeName() string {
	if n := c.getNode(); n != nil {
		return n.Name()
	}
	return ""
}

// IsAvailable is true iff the state is Connected.
func (c *Connection) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Connected
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// Reset moves a Down peer back to Disconnected and starts
// a new down episode: the next failure is reported again.
func (c *Connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Down {
		c.state = Disconnected
		c.reported = false
		c.terminated = false
	}
}

// Stop closes the local node and stops background work.
// Later calls fail.
func (c *Connection) Stop() {
	if c.halt.ReqStop.IsClosed() {
		return
	}
	c.halt.ReqStop.Close()
	c.nodeMu.Lock()
	if n := c.getNode(); n != nil {
		c.local.Store(nil)
		n.Close()
	}
	c.nodeMu.Unlock()
	c.halt.Done.Close()
}

// Connect runs the pre-flight alone: it probes a
// Disconnected peer and reports whether the peer can be
// used now.
func (c *Connection) Connect() error {
	_, err := c.ensureConnected(context.Background())
	return err
}

// ensureConnected is the pre-flight every call shape shares.
// Pinging gives up when ctx ends, leaving the
// peer Disconnected.
func (c *Connection) ensureConnected(ctx context.Context) (node.Node, error) {
	if c.halt.ReqStop.IsClosed() {
		return nil, &RpcError{Kind: KindUnavailable, Peer: c.peer.Name, Err: ErrShutdown}
	}
	n := c.getNode()
	if n == nil {
		return nil, &RpcError{Kind: KindNoNode, Peer: c.peer.Name, Msg: "no local node; see RestartLocalNode"}
	}
	if err := c.tryConnect(ctx, n); err != nil {
		c.stats.add(func(s *Stats) { s.Failures++ })
		return nil, err
	}
	return n, nil
}

// ctxErr maps the end of a caller's context to an *RpcError.
func (c *Connection) ctxErr(err error) error {
	if err == context.DeadlineExceeded {
		return &RpcError{Kind: KindTimeout, Peer: c.peer.Name, Err: ErrTimeout}
	}
	return &RpcError{Kind: KindCancelled, Peer: c.peer.Name, Err: ErrCancelled}
}

func (c *Connection) tryConnect(ctx context.Context, n node.Node) error {
	c.mu.Lock()
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Down:
		return c.failDownLocked()
	}
	c.mu.Unlock()

	st, err := c.connect(ctx, n, true)
	if err != nil {
		return c.ctxErr(err)
	}
	switch st {
	case Connected:
		return nil
	case Down:
		c.mu.Lock()
		if c.state != Down {
			// Reset raced us; let the next call probe.
			c.mu.Unlock()
			return &RpcError{Kind: KindUnavailable, Peer: c.peer.Name, Msg: "peer was reset during connect"}
		}
		return c.failDownLocked()
	}
	return &RpcError{Kind: KindUnavailable, Peer: c.peer.Name,
		Msg: fmt.Sprintf("no answer to %v pings", c.maxRetries())}
}

// failDownLocked is the use-while-Down path: report once per
// episode, ask the process to terminate once, and fail the
// call. Called with mu held; releases it.
func (c *Connection) failDownLocked() error {
	msg, emit, terminate := c.downLocked()
	c.mu.Unlock()
	c.finishDown(msg, emit, terminate)
	return &RpcError{Kind: KindDown, Peer: c.peer.Name, Msg: msg}
}

// downLocked decides the side effects of a down episode.
func (c *Connection) downLocked() (msg string, emit, terminate bool) {
	msg = downMessage(c.peer.Name)
	if c.cfg.ReportWhenDown && !c.reported {
		c.reported = true
		emit = true
		c.stats.add(func(s *Stats) { s.Reports++ })
	}
	if c.process != nil && !c.terminated {
		c.terminated = true
		terminate = true
	}
	return
}

// connect runs the probe loop under the shared ConnectLock
// and applies its outcome. fromCall is false for background
// probes, which never take the peer Down. If ctx ends first,
// connect returns ctx.Err() and the state is left alone.
func (c *Connection) connect(ctx context.Context, n node.Node, fromCall bool) (State, error) {
	if err := c.connectLock.lock(ctx); err != nil {
		return Disconnected, err
	}
	defer c.connectLock.unlock()

	// someone else may have decided while we waited
	c.mu.Lock()
	if c.state != Disconnected {
		st := c.state
		c.mu.Unlock()
		return st, nil
	}
	c.reported = false
	c.mu.Unlock()

	ok, err := c.probe(ctx, n)
	if err != nil {
		return Disconnected, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Disconnected {
		// a down notice arrived mid-probe
		return c.state, nil
	}
	switch {
	case ok:
		c.state = Connected
	case fromCall && c.cfg.ConnectOnce:
		c.state = Down
	}
	return c.state, nil
}

func (c *Connection) maxRetries() int {
	m := c.cfg.MaxRetries
	if m <= 0 || m > MaxRetries {
		m = MaxRetries
	}
	return m
}

// probeTimeout is base plus a (k*base mod 3) millisecond
// bump, never less than the previous attempt's.
func probeTimeout(base time.Duration, k int, prev time.Duration) time.Duration {
	ms := base.Milliseconds()
	d := base + time.Duration((int64(k)*ms)%3)*time.Millisecond
	if d < prev {
		d = prev
	}
	return d
}

// probe pings the peer at most maxRetries times. A ping that
// fails early sleeps out the rest of its attempt, so a peer
// that is still starting gets the full window. No ping
// outlasts ctx's deadline; a non-nil error means ctx ended
// before the loop could decide.
func (c *Connection) probe(ctx context.Context, n node.Node) (bool, error) {
	c.stats.add(func(s *Stats) { s.ProbeLoops++ })
	base := c.cfg.ConnectDelay
	if base <= 0 {
		base = DefaultConnectDelay
	}
	var prev time.Duration
	tries := c.maxRetries()
	for k := 0; k < tries; k++ {
		timeout := probeTimeout(base, k, prev)
		prev = timeout
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < timeout {
				timeout = left
			}
		}
		pp("ping %v of %v to '%v' with timeout %v", k+1, tries, c.peer.Name, timeout)

		c.stats.add(func(s *Stats) { s.Pings++ })
		t0 := time.Now()
		if n.Ping(c.peer.Name, timeout) {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if k == tries-1 {
			break
		}
		if left := timeout - time.Since(t0); left > 0 {
			select {
			case <-time.After(left):
			case <-c.halt.ReqStop.Chan:
				return false, nil
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		if c.halt.ReqStop.IsClosed() {
			return false, nil
		}
	}
	return false, nil
}

// RemoteStatus implements node.StatusObserver. Notices
// about other nodes are ignored.
func (c *Connection) RemoteStatus(peer string, up bool, info any) {
	if peer != c.peer.Name {
		return
	}
	if up {
		pp("node '%v' is up", peer)
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		if st != Disconnected || c.halt.ReqStop.IsClosed() {
			return
		}
		if !c.probing.CompareAndSwap(false, true) {
			return
		}
		go func() {
			defer c.probing.Store(false)
			if n := c.getNode(); n != nil {
				c.connect(context.Background(), n, false)
			}
		}()
		return
	}

	pp("node '%v' is down: %v", peer, info)
	c.mu.Lock()
	if c.state == Down {
		c.mu.Unlock()
		return
	}
	c.state = Down
	msg, emit, terminate := c.downLocked()
	c.mu.Unlock()
	c.finishDown(msg, emit, terminate)
}

var _ node.StatusObserver = &Connection{}
