package nodelink

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Notifier shows the down diagnostic to a person.
type Notifier interface {
	ShowError(msg string)
}

// LogNotifier writes the diagnostic to the log.
type LogNotifier struct{}

func (LogNotifier) ShowError(msg string) {
	alwaysPrintf("%v", msg)
}

// ProcessHandle is the OS process behind a peer, if
// we know it. Terminate is asked for when the peer is
// judged down; errors are logged, never returned.
type ProcessHandle interface {
	Terminate() error
}

// OSProcess adapts *os.Process.
type OSProcess struct {
	P *os.Process
}

func (p OSProcess) Terminate() error {
	if p.P == nil {
		return nil
	}
	return p.P.Kill()
}

func downMessage(peer string) string {
	return fmt.Sprintf("Backend '%s' is down", peer)
}

// diagnostic is the long, once per episode, text.
func (c *Connection) diagnostic(msg string) string {
	var guidance string
	if c.cfg.ConnectOnce {
		guidance = "It is likely that the network is misconfigured or uses unusual host names.\n" +
			"Check that the host name of this machine resolves, and that two nodes\n" +
			"on this machine can reach each other (for example with nodecli ping)."
	} else {
		guidance = "If it was not shut down on purpose, this is an unrecoverable error;\n" +
			"restart the node and call Reset() on this connection."
	}

	var b strings.Builder
	b.WriteString(msg)
	b.WriteString("\n\n")
	b.WriteString(guidance)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "If an error report named '%v_<timestamp>.txt' has been created in %v,\n",
		userName(), c.cfg.reportDir())
	b.WriteString("please consider reporting the problem.\n")
	if c.cfg.IssueURL != "" {
		b.WriteString(c.cfg.IssueURL)
		b.WriteString("\n")
	}
	return b.String()
}

func userName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return filepath.Base(u.Username)
	}
	if s := os.Getenv("USER"); s != "" {
		return s
	}
	return "user"
}

// finishDown runs the side effects decided by downLocked,
// after mu is released.
func (c *Connection) finishDown(msg string, emit, terminate bool) {
	if emit {
		c.notifier.ShowError(c.diagnostic(msg))
	}
	if terminate {
		if err := c.process.Terminate(); err != nil {
			alwaysPrintf("could not terminate the process of '%v': '%v'", c.peer.Name, err)
		}
	}
}
