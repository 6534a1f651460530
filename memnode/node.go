package memnode

import (
	"errors"
	"fmt"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/nodelink/node"
	"github.com/glycerine/nodelink/term"
)

// Node is a node.Node living on a Hub.
type Node struct {
	*node.Local
	hub    *Hub
	closed *idem.IdemCloseChan
}

var _ node.Node = &Node{}

// Ping answers like a distribution ping: false for unknown,
// dead, or cookie-mismatched peers, and for deaf or slow ones
// once timeout has passed.
func (n *Node) Ping(peer string, timeout time.Duration) bool {
	h := n.hub
	h.mut.Lock()
	h.pings[peer]++
	target := h.nodes[peer]
	dead := h.dead[peer] || h.dead[n.Name()]
	deafFor := h.deaf[peer]
	if deafFor > 0 {
		h.deaf[peer] = deafFor - 1
	}
	delay := h.pingDelay[peer]
	h.mut.Unlock()

	if n.closed.IsClosed() || target == nil || dead {
		return false
	}
	if target.Cookie() != n.Cookie() {
		return false
	}
	if deafFor != 0 {
		n.sleep(timeout)
		return false
	}
	if delay > 0 {
		if delay > timeout {
			n.sleep(timeout)
			return false
		}
		if !n.sleep(delay) {
			return false
		}
	}
	return true
}

// sleep returns false if the node closed first.
func (n *Node) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-n.closed.Chan:
		return false
	}
}

// Send delivers msg to the mailbox at to. Messages for
// mailboxes that no longer exist are dropped, but an
// unreachable node is an error.
func (n *Node) Send(to term.Pid, msg term.Term) error {
	if n.closed.IsClosed() {
		return node.ErrNodeClosed
	}
	target := n.hub.reachable(n, to.Node)
	if target == nil {
		return fmt.Errorf("%w: '%v'", node.ErrNotConnected, to.Node)
	}
	return n.deliver(target, target.Deliver(to, msg))
}

func (n *Node) SendName(peer, mailbox string, msg term.Term) error {
	if n.closed.IsClosed() {
		return node.ErrNodeClosed
	}
	target := n.hub.reachable(n, peer)
	if target == nil {
		return fmt.Errorf("%w: '%v'", node.ErrNotConnected, peer)
	}
	return n.deliver(target, target.DeliverName(mailbox, msg))
}

func (n *Node) deliver(target *Node, err error) error {
	switch {
	case err == nil:
		n.hub.countDelivery(target.Name())
		return nil
	case errors.Is(err, node.ErrNoMailbox), errors.Is(err, node.ErrMailboxClosed):
		return nil
	}
	return err
}

// Close removes n from its hub; the other live nodes hear it
// go down.
func (n *Node) Close() error {
	if n.closed.IsClosed() {
		return nil
	}
	n.closed.Close()
	n.CloseLocal()
	n.hub.remove(n)
	return nil
}
