// Package memnode is an in-process node.Transport. A Hub
// connects every node created on it in a full mesh, and lets
// tests inject faults: failed node creation, unanswered or
// slow pings, and node death and revival with the matching
// down/up status notifications.
package memnode

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/nodelink/node"
)

var ErrCreateFailed = errors.New("memnode: injected node creation failure")

// Hub is one simulated network. The zero value is not usable;
// call NewHub.
type Hub struct {
	mut sync.Mutex

	nodes map[string]*Node
	dead  map[string]bool

	failCreates int

	// deaf: pings to name go unanswered for the next n
	// pings; negative means forever.
	deaf      map[string]int
	pingDelay map[string]time.Duration

	pings     map[string]int
	delivered map[string]int
}

func NewHub() *Hub {
	return &Hub{
		nodes:     make(map[string]*Node),
		dead:      make(map[string]bool),
		deaf:      make(map[string]int),
		pingDelay: make(map[string]time.Duration),
		pings:     make(map[string]int),
		delivered: make(map[string]int),
	}
}

// NewNode implements node.Transport. Names must be unique
// among live nodes on the hub.
func (h *Hub) NewNode(name, cookie string) (node.Node, error) {
	h.mut.Lock()
	defer h.mut.Unlock()
	if h.failCreates > 0 {
		h.failCreates--
		return nil, ErrCreateFailed
	}
	if _, taken := h.nodes[name]; taken {
		return nil, fmt.Errorf("memnode: node name '%v' already in use", name)
	}
	n := &Node{
		Local:  node.NewLocal(name, cookie),
		hub:    h,
		closed: idem.NewIdemCloseChan(),
	}
	h.nodes[name] = n
	delete(h.dead, name)
	return n, nil
}

// FailNextCreates makes the next n NewNode calls fail.
func (h *Hub) FailNextCreates(n int) {
	h.mut.Lock()
	h.failCreates = n
	h.mut.Unlock()
}

// IgnorePings makes name leave the next n pings unanswered;
// the pinger waits out its full timeout. n < 0 means all
// pings until IgnorePings(name, 0).
func (h *Hub) IgnorePings(name string, n int) {
	h.mut.Lock()
	h.deaf[name] = n
	h.mut.Unlock()
}

// SetPingDelay makes name answer pings after d. A ping
// whose timeout is shorter than d fails.
func (h *Hub) SetPingDelay(name string, d time.Duration) {
	h.mut.Lock()
	h.pingDelay[name] = d
	h.mut.Unlock()
}

// PingCount returns how many pings have targeted name.
func (h *Hub) PingCount(name string) int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.pings[name]
}

func (h *Hub) ResetPingCount(name string) {
	h.mut.Lock()
	delete(h.pings, name)
	h.mut.Unlock()
}

// Delivered returns how many messages reached mailboxes on name.
func (h *Hub) Delivered(name string) int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.delivered[name]
}

// Kill marks name dead without closing it: pings fail, messages
// to it are dropped, and every other live node hears it go down.
func (h *Hub) Kill(name string) {
	h.setDead(name, true)
}

// Revive undoes Kill, and every other live node hears name come up.
func (h *Hub) Revive(name string) {
	h.setDead(name, false)
}

// Announce tells every other live node that name is up, as
// a freshly started node does when it joins. Unlike Revive
// it needs no prior Kill.
func (h *Hub) Announce(name string) {
	h.mut.Lock()
	if h.nodes[name] == nil || h.dead[name] {
		h.mut.Unlock()
		return
	}
	others := h.othersLocked(name)
	h.mut.Unlock()

	for _, o := range others {
		o.NotifyStatus(name, true, nil)
	}
}

func (h *Hub) setDead(name string, dead bool) {
	h.mut.Lock()
	if h.dead[name] == dead {
		h.mut.Unlock()
		return
	}
	if dead {
		h.dead[name] = true
	} else {
		delete(h.dead, name)
	}
	others := h.othersLocked(name)
	h.mut.Unlock()

	for _, o := range others {
		o.NotifyStatus(name, !dead, nil)
	}
}

// othersLocked returns the live nodes other than name.
func (h *Hub) othersLocked(name string) (r []*Node) {
	for nm, n := range h.nodes {
		if nm != name && !h.dead[nm] {
			r = append(r, n)
		}
	}
	return
}

func (h *Hub) remove(n *Node) {
	h.mut.Lock()
	if h.nodes[n.Name()] != n {
		h.mut.Unlock()
		return
	}
	delete(h.nodes, n.Name())
	wasDead := h.dead[n.Name()]
	delete(h.dead, n.Name())
	others := h.othersLocked(n.Name())
	h.mut.Unlock()

	if wasDead {
		return
	}
	for _, o := range others {
		o.NotifyStatus(n.Name(), false, "closed")
	}
}

// reachable returns the live target, or nil.
func (h *Hub) reachable(from *Node, peer string) *Node {
	h.mut.Lock()
	defer h.mut.Unlock()
	if h.dead[from.Name()] || h.dead[peer] {
		return nil
	}
	return h.nodes[peer]
}

func (h *Hub) countDelivery(peer string) {
	h.mut.Lock()
	h.delivered[peer]++
	h.mut.Unlock()
}
