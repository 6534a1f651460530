package tcpnode

import (
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// link is one authenticated connection to a peer node.
// One goroutine reads; writers serialize on wmut.
type link struct {
	n    *Node
	peer string
	conn net.Conn

	wmut sync.Mutex
	w    *workspace

	closed *idem.IdemCloseChan
}

func newLink(n *Node, peer string, conn net.Conn) *link {
	return &link{
		n:      n,
		peer:   peer,
		conn:   conn,
		w:      newWorkspace(),
		closed: idem.NewIdemCloseChan(),
	}
}

func (lk *link) send(fr *frame) error {
	lk.wmut.Lock()
	defer lk.wmut.Unlock()
	timeout := lk.n.cfg.DialTimeout
	err := lk.w.sendFrame(lk.conn, fr, &timeout)
	if err != nil {
		go lk.n.dropLink(lk, err)
	}
	return err
}

func (lk *link) readLoop() {
	r := newWorkspace()
	var noTimeout time.Duration
	for {
		fr, err := r.receiveFrame(lk.conn, &noTimeout)
		if err != nil {
			lk.n.dropLink(lk, err)
			return
		}
		switch fr.Hdr.Kind {
		case kindPing:
			pong := &frame{Seqno: fr.Seqno, Hdr: frameHeader{Kind: kindPong, From: lk.n.Name()}}
			if err := lk.send(pong); err != nil {
				return
			}
		case kindPong:
			lk.n.gotPong(fr.Seqno)
		case kindSend, kindSendName:
			if err := lk.n.deliver(fr); err != nil {
				alwaysPrintf("tcpnode '%v' dropped a message from '%v': '%v'", lk.n.Name(), lk.peer, err)
			}
		default:
			alwaysPrintf("tcpnode '%v' ignoring unexpected %v frame from '%v'", lk.n.Name(), fr.Hdr.Kind, lk.peer)
		}
	}
}

func (lk *link) close() {
	if lk.closed.IsClosed() {
		return
	}
	lk.closed.Close()
	lk.conn.Close()
}
