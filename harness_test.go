package nodelink

import (
	"sync"
	"time"

	"github.com/glycerine/nodelink/memnode"
	"github.com/glycerine/nodelink/node"
	"github.com/glycerine/nodelink/noded"
)

const backend = "backend@host"
const cookie = "c00kie-for-tests"

// harness is one simulated network: a backend node running
// the rex server, and a Connection to it.
type harness struct {
	hub  *memnode.Hub
	peer node.Node
	srv  *noded.Server
	lock *ConnectLock
	note *recNotifier
	proc *fakeProcess
	c    *Connection
}

func testConfig() *Config {
	cfg := NewConfig()
	cfg.ConnectDelay = 10 * time.Millisecond
	cfg.NodeCreateWait = time.Millisecond
	cfg.ReportWhenDown = true
	return cfg
}

// newHarness starts the backend when startPeer is set, and
// connects to it with cfg (testConfig() if nil).
func newHarness(startPeer bool, cfg *Config) *harness {
	h := &harness{
		hub:  memnode.NewHub(),
		lock: NewConnectLock(),
		note: &recNotifier{},
		proc: &fakeProcess{},
	}
	if startPeer {
		h.startPeer()
	}
	if cfg == nil {
		cfg = testConfig()
	}
	c, err := NewConnection(PeerIdentity{Name: backend, Cookie: cookie}, h.hub, h.lock, cfg,
		WithNotifier(h.note), WithProcess(h.proc))
	panicOn(err)
	h.c = c
	return h
}

func (h *harness) startPeer() {
	n, err := h.hub.NewNode(backend, cookie)
	panicOn(err)
	h.peer = n
	h.srv = noded.NewServer(n)
	h.srv.RegisterBuiltins()
	panicOn(h.srv.Start())
}

func (h *harness) close() {
	h.c.Stop()
	if h.srv != nil {
		h.srv.Close()
		h.peer.Close()
	}
}

// waitFor polls cond for up to 5 seconds.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

type recNotifier struct {
	mut  sync.Mutex
	msgs []string
}

func (r *recNotifier) ShowError(msg string) {
	r.mut.Lock()
	r.msgs = append(r.msgs, msg)
	r.mut.Unlock()
}

func (r *recNotifier) count() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.msgs)
}

func (r *recNotifier) last() string {
	r.mut.Lock()
	defer r.mut.Unlock()
	if len(r.msgs) == 0 {
		return ""
	}
	return r.msgs[len(r.msgs)-1]
}

type fakeProcess struct {
	mut   sync.Mutex
	kills int
}

func (p *fakeProcess) Terminate() error {
	p.mut.Lock()
	p.kills++
	p.mut.Unlock()
	return nil
}

func (p *fakeProcess) count() int {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.kills
}
