package nodelink

import (
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/nodelink/node"
)

// buildNode creates the local node, retrying I/O failures.
// The caller holds nodeMu.
func buildNode(tr node.Transport, cfg *Config, peer PeerIdentity, halt *idem.Halter) (node.Node, error) {
	attempts := cfg.NodeCreateAttempts
	if attempts <= 0 {
		attempts = NodeCreateAttempts
	}
	var name string
	var lastErr error
	for i := 1; i <= attempts; i++ {
		name = LocalNodeName(cfg.NodeNamePrefix, peer.LongName || cfg.LongNames)
		n, err := tr.NewNode(name, peer.Cookie)
		if err == nil {
			pp("local node '%v' using cookie '%v' (len %v)", name, truncCookie(peer.Cookie), len(peer.Cookie))
			return n, nil
		}
		lastErr = err
		alwaysPrintf("local node '%v' could not be created (%v), retrying %v", name, err, i)
		if i == attempts {
			break
		}
		select {
		case <-time.After(cfg.NodeCreateWait):
		case <-halt.ReqStop.Chan:
			return nil, &NodeCreationError{Name: name, Attempts: i, Err: ErrShutdown}
		}
	}
	return nil, &NodeCreationError{Name: name, Attempts: attempts, Err: lastErr}
}
