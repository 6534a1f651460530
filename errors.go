package nodelink

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout   = errors.New("nodelink: timed out waiting for the reply")
	ErrCancelled = errors.New("nodelink: call cancelled")
	ErrShutdown  = errors.New("nodelink: connection stopped")
)

// ErrorKind classifies an *RpcError.
type ErrorKind int

const (
	// KindSignature: the arguments did not match the signature.
	KindSignature ErrorKind = iota + 1

	// KindDown: the peer is judged down for this episode.
	KindDown

	// KindUnavailable: every probe failed; a later call
	// will probe again.
	KindUnavailable

	// KindNoNode: no local node could be created.
	KindNoNode

	// KindTransport: the local node failed to send or receive.
	KindTransport

	KindTimeout
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindSignature:
		return "signature"
	case KindDown:
		return "down"
	case KindUnavailable:
		return "unavailable"
	case KindNoNode:
		return "no_local_node"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("unknown_error_kind_%v", int(k))
}

// RpcError is the one error type every call shape returns.
type RpcError struct {
	Kind ErrorKind
	Peer string
	Msg  string
	Err  error
}

func (e *RpcError) Error() string {
	s := fmt.Sprintf("rpc to '%v' failed (%v)", e.Peer, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *RpcError) Unwrap() error { return e.Err }

// IsKind reports whether err is an *RpcError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var re *RpcError
	return errors.As(err, &re) && re.Kind == k
}

// NodeCreationError means the local node could not be
// created after every allowed attempt.
type NodeCreationError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *NodeCreationError) Error() string {
	return fmt.Sprintf("nodelink: could not create local node '%v' after %v attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *NodeCreationError) Unwrap() error { return e.Err }
