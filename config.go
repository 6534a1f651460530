package nodelink

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultConnectDelay is the base ping timeout of the
	// probe loop.
	DefaultConnectDelay = 300 * time.Millisecond

	// MaxRetries bounds the pings in one probe loop.
	MaxRetries = 10

	// Local node creation gets this many tries, waiting
	// NodeCreateWait after each failure.
	NodeCreateAttempts = 10
	NodeCreateWait     = 300 * time.Millisecond
)

// Config tunes a Connection. Use NewConfig for the
// defaults, or ConfigFromEnv to let the environment
// override them.
type Config struct {

	// ConnectDelay is the base ping timeout; later probes
	// in a loop wait slightly longer.
	ConnectDelay time.Duration

	// MaxRetries is the probe loop bound. Values above
	// the MaxRetries constant are clamped to it.
	MaxRetries int

	// LongNames makes the local node use a fully
	// qualified host name rather than a short one.
	LongNames bool

	// ConnectOnce: a probe loop that fails takes the peer
	// Down, instead of leaving it Disconnected for the
	// next call to retry.
	ConnectOnce bool

	// ReportWhenDown emits the long diagnostic once per
	// down episode.
	ReportWhenDown bool

	// IssueURL, when set, ends the diagnostic.
	IssueURL string

	// NodeNamePrefix starts every local node name.
	NodeNamePrefix string

	NodeCreateAttempts int
	NodeCreateWait     time.Duration

	// ReportDir is where the diagnostic says crash reports
	// are kept. Empty means GetReportDir().
	ReportDir string
}

func NewConfig() *Config {
	return &Config{
		ConnectDelay:       DefaultConnectDelay,
		MaxRetries:         MaxRetries,
		ReportWhenDown:     true,
		NodeNamePrefix:     "nodelink",
		NodeCreateAttempts: NodeCreateAttempts,
		NodeCreateWait:     NodeCreateWait,
	}
}

func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// ConfigFromEnv starts from NewConfig and applies
//
//	NODELINK_CONNECT_DELAY  base delay in milliseconds
//	NODELINK_LONG_NAMES     bool
//	NODELINK_CONNECT_ONCE   bool
//	NODELINK_REPORT_DOWN    bool
//	NODELINK_ISSUE_URL      string
//
// Unparsable values are logged and ignored.
func ConfigFromEnv() *Config {
	cfg := NewConfig()
	if v := os.Getenv("NODELINK_CONNECT_DELAY"); v != "" {
		ms, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || ms <= 0 {
			alwaysPrintf("ignoring bad NODELINK_CONNECT_DELAY='%v'", v)
		} else {
			cfg.ConnectDelay = time.Duration(ms) * time.Millisecond
		}
	}
	envBool("NODELINK_LONG_NAMES", &cfg.LongNames)
	envBool("NODELINK_CONNECT_ONCE", &cfg.ConnectOnce)
	envBool("NODELINK_REPORT_DOWN", &cfg.ReportWhenDown)
	if v, ok := os.LookupEnv("NODELINK_ISSUE_URL"); ok {
		cfg.IssueURL = strings.TrimSpace(v)
	}
	return cfg
}

func envBool(name string, dest *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		alwaysPrintf("ignoring bad %v='%v'", name, v)
		return
	}
	*dest = b
}

// Store files in standard locations. Per
// https://unix.stackexchange.com/questions/312988/understanding-home-configuration-file-locations-config-and-local-sha
//
// $HOME/.config is where per-user configuration
// files go if there is no $XDG_CONFIG_HOME

// GetReportDir says where crash reports are looked for:
// $XDG_CONFIG_HOME/nodelink/reports if XDG_CONFIG_HOME is
// set, else the home directory itself, else the current
// working directory. Unlike the config dirs, nothing is
// created here; reports are written by the runtime, not us.
func GetReportDir() (path string) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	switch {
	case dir != "":
		path = filepath.Join(dir, "nodelink", "reports")
	case home != "":
		path = home
	default:
		path = "."
	}
	return path
}

func (c *Config) reportDir() string {
	if c.ReportDir != "" {
		return c.ReportDir
	}
	return GetReportDir()
}
