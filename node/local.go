package node

import (
	"context"
	cryrand "crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/idem"
	"github.com/glycerine/nodelink/term"
)

// Local is the transport-independent half of a Node:
// the mailbox registry, pid and ref issuance, and
// status observer fan-out. Transports embed it and
// add Ping, Send and Close.
type Local struct {
	name   string
	cookie string

	// refPrefix distinguishes refs from different
	// incarnations of a node with the same name.
	refPrefix string
	lastRef   uint64

	mut       sync.Mutex
	lastID    uint64
	byID      map[uint64]*mailbox
	byName    map[string]*mailbox
	observers []StatusObserver
	closed    bool
}

func NewLocal(name, cookie string) *Local {
	var by [6]byte
	_, err := cryrand.Read(by[:])
	panicOn(err)
	return &Local{
		name:      name,
		cookie:    cookie,
		refPrefix: cristalbase64.RawURLEncoding.EncodeToString(by[:]),
		byID:      make(map[uint64]*mailbox),
		byName:    make(map[string]*mailbox),
	}
}

func (l *Local) Name() string   { return l.name }
func (l *Local) Cookie() string { return l.cookie }

func (l *Local) MakeRef() term.Ref {
	n := atomic.AddUint64(&l.lastRef, 1)
	return term.Ref{Node: l.name, ID: fmt.Sprintf("%v.%v", l.refPrefix, n)}
}

func (l *Local) CreateMailbox(name string) (Mailbox, error) {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.closed {
		return nil, ErrNodeClosed
	}
	if name != "" {
		if _, taken := l.byName[name]; taken {
			return nil, fmt.Errorf("%w: '%v'", ErrNameTaken, name)
		}
	}
	l.lastID++
	mb := &mailbox{
		local:  l,
		self:   term.Pid{Node: l.name, ID: l.lastID},
		name:   name,
		notify: make(chan struct{}, 1),
		closed: idem.NewIdemCloseChan(),
	}
	l.byID[mb.self.ID] = mb
	if name != "" {
		l.byName[name] = mb
	}
	return mb, nil
}

// Deliver enqueues msg on the local mailbox to.
func (l *Local) Deliver(to term.Pid, msg term.Term) error {
	if to.Node != l.name {
		return fmt.Errorf("%w: pid %v is not on node '%v'", ErrNoMailbox, to, l.name)
	}
	l.mut.Lock()
	mb, ok := l.byID[to.ID]
	l.mut.Unlock()
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoMailbox, to)
	}
	return mb.put(msg)
}

// DeliverName enqueues msg on the local mailbox registered as name.
func (l *Local) DeliverName(name string, msg term.Term) error {
	l.mut.Lock()
	mb, ok := l.byName[name]
	l.mut.Unlock()
	if !ok {
		return fmt.Errorf("%w: '%v' on node '%v'", ErrNoMailbox, name, l.name)
	}
	return mb.put(msg)
}

func (l *Local) RegisterStatusObserver(obs StatusObserver) {
	l.mut.Lock()
	l.observers = append(l.observers, obs)
	l.mut.Unlock()
}

// NotifyStatus tells every registered observer that
// peer went up or down. Observers are called outside
// our lock, on the caller's goroutine.
func (l *Local) NotifyStatus(peer string, up bool, info any) {
	l.mut.Lock()
	obs := append([]StatusObserver(nil), l.observers...)
	l.mut.Unlock()
	for _, o := range obs {
		o.RemoteStatus(peer, up, info)
	}
}

// CloseLocal closes every mailbox. Later CreateMailbox
// calls fail with ErrNodeClosed.
func (l *Local) CloseLocal() {
	l.mut.Lock()
	if l.closed {
		l.mut.Unlock()
		return
	}
	l.closed = true
	boxes := make([]*mailbox, 0, len(l.byID))
	for _, mb := range l.byID {
		boxes = append(boxes, mb)
	}
	l.mut.Unlock()
	for _, mb := range boxes {
		mb.Close()
	}
}

// IsClosed reports whether CloseLocal has run.
func (l *Local) IsClosed() bool {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.closed
}

func (l *Local) forget(mb *mailbox) {
	l.mut.Lock()
	delete(l.byID, mb.self.ID)
	if mb.name != "" && l.byName[mb.name] == mb {
		delete(l.byName, mb.name)
	}
	l.mut.Unlock()
}

// mailbox is an unbounded FIFO.
type mailbox struct {
	local *Local
	self  term.Pid
	name  string

	mut    sync.Mutex
	q      []term.Term
	notify chan struct{}
	closed *idem.IdemCloseChan
}

func (mb *mailbox) Self() term.Pid { return mb.self }
func (mb *mailbox) Name() string   { return mb.name }

func (mb *mailbox) put(msg term.Term) error {
	if mb.closed.IsClosed() {
		return ErrMailboxClosed
	}
	mb.mut.Lock()
	mb.q = append(mb.q, msg)
	mb.mut.Unlock()
	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return nil
}

func (mb *mailbox) Receive(ctx context.Context) (term.Term, error) {
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}
	for {
		mb.mut.Lock()
		if len(mb.q) > 0 {
			msg := mb.q[0]
			mb.q[0] = nil
			mb.q = mb.q[1:]
			mb.mut.Unlock()
			return msg, nil
		}
		mb.mut.Unlock()

		select {
		case <-mb.notify:
		case <-done:
			return nil, ctx.Err()
		case <-mb.closed.Chan:
			return nil, ErrMailboxClosed
		}
	}
}

func (mb *mailbox) Close() error {
	mb.closed.Close()
	mb.local.forget(mb)
	return nil
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
