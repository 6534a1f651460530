// Package node defines the contract between nodelink and a
// messaging transport: local node endpoints, mailboxes, liveness
// pings, and pushed peer up/down status.
//
// Two transports implement it: memnode (in-process) and
// tcpnode (TCP). Local holds the plumbing they share.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glycerine/nodelink/term"
)

// TsPrintfMut serializes time-stamped log lines across
// the nodelink packages.
var TsPrintfMut sync.Mutex

var (
	ErrMailboxClosed = errors.New("node: mailbox closed")
	ErrNoMailbox     = errors.New("node: no such mailbox")
	ErrNameTaken     = errors.New("node: mailbox name already registered")
	ErrNodeClosed    = errors.New("node: local node closed")
	ErrUnknownNode   = errors.New("node: unknown remote node")
	ErrNotConnected  = errors.New("node: no link to remote node")
)

// StatusObserver receives pushed notifications that a
// remote node came up or went down. The transport may report
// nodes other than the one an observer cares about, so
// implementations must filter on node.
type StatusObserver interface {
	RemoteStatus(node string, up bool, info any)
}

// Transport creates local node endpoints.
type Transport interface {
	// NewNode opens a local endpoint named name, authenticating
	// with cookie. Failures are I/O level and may be transient.
	NewNode(name, cookie string) (Node, error)
}

// Node is one local messaging endpoint.
type Node interface {
	Name() string
	Cookie() string

	// Ping reports whether peer answered within timeout.
	Ping(peer string, timeout time.Duration) bool

	Send(to term.Pid, msg term.Term) error
	SendName(node, mailbox string, msg term.Term) error

	RegisterStatusObserver(obs StatusObserver)

	// CreateMailbox registers a mailbox; name may be "" for
	// an anonymous mailbox reachable only by its Pid.
	CreateMailbox(name string) (Mailbox, error)

	// MakeRef returns a reference unique to this node.
	MakeRef() term.Ref

	Close() error
}

// Mailbox is an addressable receive queue on a Node.
type Mailbox interface {
	Self() term.Pid
	Name() string

	// Receive blocks until a message arrives, ctx is done,
	// or the mailbox is closed.
	Receive(ctx context.Context) (term.Term, error)

	Close() error
}
