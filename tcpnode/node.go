// Package tcpnode is a node.Transport over TCP. Nodes find
// each other through a Resolver, authenticate with a blake3
// cookie challenge, and exchange length-framed greenpack
// terms, zstd compressed when large. Link setup and loss are
// pushed to status observers as peer up and down.
package tcpnode

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/nodelink/node"
	"github.com/glycerine/nodelink/term"
)

// Transport creates TCP nodes sharing one Config.
type Transport struct {
	cfg *Config
}

var _ node.Transport = &Transport{}

// NewTransport copies cfg; nil means NewConfig().
func NewTransport(cfg *Config) *Transport {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg = cfg.Clone()
	if cfg.Resolver == nil {
		cfg.Resolver = NewStaticResolver()
	}
	return &Transport{cfg: cfg}
}

func (t *Transport) Config() *Config { return t.cfg }

func (t *Transport) NewNode(name, cookie string) (node.Node, error) {
	return t.Listen(name, cookie)
}

// Listen is NewNode returning the concrete type.
func (t *Transport) Listen(name, cookie string) (*Node, error) {
	lsn, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("tcpnode: node '%v' could not listen on '%v': %w", name, t.cfg.ListenAddr, err)
	}
	comp, err := newZstdCompressor()
	if err != nil {
		lsn.Close()
		return nil, err
	}
	n := &Node{
		Local: node.NewLocal(name, cookie),
		cfg:   t.cfg,
		key:   cookieKey(cookie),
		lsn:   lsn,
		comp:  comp,
		halt:  idem.NewHalterNamed(fmt.Sprintf("tcpnode(%v)", name)),
		links: make(map[string][]*link),
		pings: make(map[uint64]chan struct{}),
	}
	if t.cfg.MaxLinks > 0 {
		n.lsn = newLimitListener(lsn, t.cfg.MaxLinks)
	}
	if reg, ok := t.cfg.Resolver.(Registrar); ok {
		reg.Register(name, lsn.Addr().String())
	}
	go n.acceptLoop()
	return n, nil
}

// Node is a TCP node.Node.
type Node struct {
	*node.Local
	cfg  *Config
	key  []byte
	lsn  net.Listener
	comp *zstdCompressor
	halt *idem.Halter

	// dialMut serializes dials so concurrent senders
	// share one new link.
	dialMut sync.Mutex

	mut   sync.Mutex
	links map[string][]*link // by peer node name

	lastPing uint64
	pings    map[uint64]chan struct{}

	compressed atomic.Int64
}

var _ node.Node = &Node{}

// Addr is the listening address.
func (n *Node) Addr() net.Addr { return n.lsn.Addr() }

// CompressedSends counts bodies sent zstd compressed.
func (n *Node) CompressedSends() int64 { return n.compressed.Load() }

func (n *Node) acceptLoop() {
	defer n.halt.Done.Close()
	for {
		conn, err := n.lsn.Accept()
		if err != nil {
			if !n.halt.ReqStop.IsClosed() {
				alwaysPrintf("tcpnode '%v' accept error: '%v'", n.Name(), err)
			}
			return
		}
		go n.accepted(conn)
	}
}

func (n *Node) accepted(conn net.Conn) {
	peer, err := n.acceptHandshake(conn, n.cfg.HandshakeTimeout)
	if err != nil {
		pp("tcpnode '%v' rejected inbound link from %v: '%v'", n.Name(), conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	n.addLink(newLink(n, peer, conn))
}

// linkTo returns a link to peer, dialing if need be.
func (n *Node) linkTo(peer string, timeout time.Duration) (*link, error) {
	if lk := n.firstLink(peer); lk != nil {
		return lk, nil
	}
	n.dialMut.Lock()
	defer n.dialMut.Unlock()
	if lk := n.firstLink(peer); lk != nil {
		return lk, nil
	}
	if n.halt.ReqStop.IsClosed() {
		return nil, node.ErrNodeClosed
	}
	addr, err := n.cfg.Resolver.Resolve(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", node.ErrUnknownNode, err)
	}
	if timeout <= 0 {
		timeout = n.cfg.DialTimeout
	}
	t0 := time.Now()
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: '%v' at %v: %v", node.ErrNotConnected, peer, addr, err)
	}
	left := timeout - time.Since(t0)
	if left <= 0 {
		conn.Close()
		return nil, fmt.Errorf("%w: '%v': timeout during dial", node.ErrNotConnected, peer)
	}
	got, err := n.dialHandshake(conn, peer, left)
	if err != nil {
		conn.Close()
		return nil, err
	}
	lk := newLink(n, got, conn)
	n.addLink(lk)
	return lk, nil
}

func (n *Node) firstLink(peer string) *link {
	n.mut.Lock()
	defer n.mut.Unlock()
	if ls := n.links[peer]; len(ls) > 0 {
		return ls[0]
	}
	return nil
}

// addLink registers lk and starts its reader. The first
// link to a peer announces it up.
func (n *Node) addLink(lk *link) {
	n.mut.Lock()
	if n.halt.ReqStop.IsClosed() {
		n.mut.Unlock()
		lk.close()
		return
	}
	first := len(n.links[lk.peer]) == 0
	n.links[lk.peer] = append(n.links[lk.peer], lk)
	n.mut.Unlock()

	go lk.readLoop()
	if first {
		pp("tcpnode '%v' link up to '%v'", n.Name(), lk.peer)
		n.NotifyStatus(lk.peer, true, nil)
	}
}

// dropLink forgets lk. Losing the last link to a
// peer announces it down.
func (n *Node) dropLink(lk *link, why error) {
	n.mut.Lock()
	ls := n.links[lk.peer]
	found := false
	for i, x := range ls {
		if x == lk {
			ls = append(ls[:i], ls[i+1:]...)
			found = true
			break
		}
	}
	if len(ls) == 0 {
		delete(n.links, lk.peer)
	} else {
		n.links[lk.peer] = ls
	}
	last := found && len(ls) == 0
	halting := n.halt.ReqStop.IsClosed()
	n.mut.Unlock()

	lk.close()
	if last && !halting {
		pp("tcpnode '%v' link down to '%v': '%v'", n.Name(), lk.peer, why)
		n.NotifyStatus(lk.peer, false, why)
	}
}

// Ping reports whether peer completes a ping round trip,
// link setup included, within timeout.
func (n *Node) Ping(peer string, timeout time.Duration) bool {
	if n.halt.ReqStop.IsClosed() {
		return false
	}
	if peer == n.Name() {
		return true
	}
	deadline := time.Now().Add(timeout)
	lk, err := n.linkTo(peer, timeout)
	if err != nil {
		zz("ping of '%v' could not link: '%v'", peer, err)
		return false
	}

	n.mut.Lock()
	n.lastPing += 2
	seq := n.lastPing + 1 // odd
	ch := make(chan struct{})
	n.pings[seq] = ch
	n.mut.Unlock()
	defer func() {
		n.mut.Lock()
		delete(n.pings, seq)
		n.mut.Unlock()
	}()

	err = lk.send(&frame{Seqno: seq, Hdr: frameHeader{Kind: kindPing, From: n.Name()}})
	if err != nil {
		return false
	}
	left := time.Until(deadline)
	if left <= 0 {
		return false
	}
	select {
	case <-ch:
		return true
	case <-time.After(left):
		return false
	case <-n.halt.ReqStop.Chan:
		return false
	}
}

func (n *Node) gotPong(seq uint64) {
	n.mut.Lock()
	ch, ok := n.pings[seq]
	if ok {
		delete(n.pings, seq)
	}
	n.mut.Unlock()
	if ok {
		close(ch)
	}
}

func (n *Node) Send(to term.Pid, msg term.Term) error {
	if to.Node == n.Name() {
		return dropMissing(n.Deliver(to, msg))
	}
	return n.sendRemote(to.Node, frameHeader{Kind: kindSend, ToNode: to.Node, ToID: to.ID}, msg)
}

func (n *Node) SendName(peer, mailbox string, msg term.Term) error {
	if peer == n.Name() {
		return dropMissing(n.DeliverName(mailbox, msg))
	}
	return n.sendRemote(peer, frameHeader{Kind: kindSendName, ToNode: peer, ToName: mailbox}, msg)
}

func (n *Node) sendRemote(peer string, hdr frameHeader, msg term.Term) error {
	if n.halt.ReqStop.IsClosed() {
		return node.ErrNodeClosed
	}
	body, err := term.Marshal(msg)
	if err != nil {
		return err
	}
	if n.cfg.CompressOver > 0 && len(body) > n.cfg.CompressOver {
		body = n.comp.Compress(body)
		hdr.Flags |= flagZstd
		n.compressed.Add(1)
	}
	hdr.From = n.Name()
	lk, err := n.linkTo(peer, n.cfg.DialTimeout)
	if err != nil {
		return err
	}
	return lk.send(&frame{Hdr: hdr, Body: body})
}

// a message for a mailbox that is gone is dropped, as
// in any mailbox system; the sender is not told.
func dropMissing(err error) error {
	if errors.Is(err, node.ErrNoMailbox) || errors.Is(err, node.ErrMailboxClosed) {
		return nil
	}
	return err
}

// deliver hands an inbound send to the local mailbox.
func (n *Node) deliver(fr *frame) error {
	body := fr.Body
	if fr.Hdr.Flags&flagZstd != 0 {
		var err error
		body, err = n.comp.Decompress(body)
		if err != nil {
			return err
		}
	}
	msg, err := term.Unmarshal(body)
	if err != nil {
		return err
	}
	switch fr.Hdr.Kind {
	case kindSend:
		return dropMissing(n.Deliver(term.Pid{Node: fr.Hdr.ToNode, ID: fr.Hdr.ToID}, msg))
	case kindSendName:
		return dropMissing(n.DeliverName(fr.Hdr.ToName, msg))
	}
	return nil
}

// Close stops listening, drops every link, and
// closes all mailboxes.
func (n *Node) Close() error {
	if n.halt.ReqStop.IsClosed() {
		return nil
	}
	n.halt.ReqStop.Close()
	if reg, ok := n.cfg.Resolver.(Registrar); ok {
		reg.Unregister(n.Name())
	}
	err := n.lsn.Close()

	n.mut.Lock()
	var all []*link
	for _, ls := range n.links {
		all = append(all, ls...)
	}
	n.links = make(map[string][]*link)
	n.mut.Unlock()
	for _, lk := range all {
		lk.close()
	}
	n.CloseLocal()

	<-n.halt.Done.Chan
	n.comp.Close()
	return err
}
