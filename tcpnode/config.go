package tcpnode

import (
	"fmt"
	"sync"
	"time"
)

// Config for a TCP Transport.
type Config struct {
	// ListenAddr is where each new node listens.
	// The default "127.0.0.1:0" picks a free port.
	ListenAddr string

	// Resolver maps node names to dialable addresses.
	// A Resolver that is also a Registrar learns the
	// address of every node this Transport creates.
	Resolver Resolver

	// CompressOver: message bodies longer than this
	// many bytes are zstd compressed. Zero or negative
	// turns compression off.
	CompressOver int

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// MaxLinks caps simultaneous inbound links per node.
	MaxLinks int
}

func NewConfig() *Config {
	return &Config{
		ListenAddr:       "127.0.0.1:0",
		Resolver:         NewStaticResolver(),
		CompressOver:     4096,
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		MaxLinks:         256,
	}
}

func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// Resolver finds the address for a node name.
type Resolver interface {
	Resolve(node string) (addr string, err error)
}

// Registrar is a Resolver we can teach.
type Registrar interface {
	Register(node, addr string)
	Unregister(node string)
}

// StaticResolver is an in-memory name table. It
// is safe for concurrent use; share one between
// Transports to let their nodes find each other.
type StaticResolver struct {
	mut   sync.Mutex
	addrs map[string]string
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{addrs: make(map[string]string)}
}

func (r *StaticResolver) Resolve(node string) (string, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	addr, ok := r.addrs[node]
	if !ok {
		return "", fmt.Errorf("tcpnode: no address known for node '%v'", node)
	}
	return addr, nil
}

func (r *StaticResolver) Register(node, addr string) {
	r.mut.Lock()
	r.addrs[node] = addr
	r.mut.Unlock()
}

func (r *StaticResolver) Unregister(node string) {
	r.mut.Lock()
	delete(r.addrs, node)
	r.mut.Unlock()
}
