/*
Package nodelink connects a tooling process to remote
runtime nodes and gives it one RPC surface per peer.

A Connection owns a local node, built on some
node.Transport (see memnode and tcpnode), and a small
state machine for the peer:

	Disconnected --probe ok--> Connected
	Disconnected --probe fails, ConnectOnce--> Down
	Connected --status "down"--> Down
	Down --Reset()--> Disconnected

Every call shape first runs the same pre-flight. A
Disconnected peer is pinged up to Config.MaxRetries
times, with the probes of all Connections sharing one
ConnectLock taken one at a time. A Down peer fails the
call at once; the first such failure of each down
episode emits a diagnostic and asks the peer's process,
if known, to terminate.

The call shapes are

	Call                   sync, with timeout
	Cast                   fire and forget
	AsyncCall              returns a *Future
	AsyncCallCb            runs an RpcCallback once
	AsyncCallWithProgress  streams progress to a ResultCallback
	Send, SendName         raw messages

Arguments are converted to terms by a signature string,
one letter per argument; see term.Convert. The peer side
is served by noded.Server.

Typical use:

	lock := nodelink.NewConnectLock()
	peer := nodelink.PeerIdentity{Name: "backend@host", Cookie: "c00kie"}
	c, err := nodelink.NewConnection(peer, tr, lock, nodelink.NewConfig())
	panicOn(err)
	defer c.Stop()
	res, err := c.Call(5*time.Second, nil, "lists", "reverse", "li", []int{1, 2, 3})
*/
package nodelink
