package nodelink

import (
	"fmt"
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// Stats counts what a Connection has done and keeps
// a digest of call latencies.
type Stats struct {
	mut sync.Mutex

	Pings      int64
	ProbeLoops int64
	Reports    int64
	Calls      int64
	Casts      int64
	Sends      int64
	Failures   int64

	td *tdigest.TDigest
}

func newStats() *Stats {
	// compression of 100 gives good accuracy at
	// the tails in about 8KB.
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	return &Stats{td: td}
}

func (s *Stats) add(f func(s *Stats)) {
	s.mut.Lock()
	f(s)
	s.mut.Unlock()
}

func (s *Stats) observeLatency(d time.Duration) {
	s.mut.Lock()
	s.td.Add(float64(d))
	s.mut.Unlock()
}

// StatsSnapshot is a point in time copy of Stats.
type StatsSnapshot struct {
	Pings      int64
	ProbeLoops int64
	Reports    int64
	Calls      int64
	Casts      int64
	Sends      int64
	Failures   int64

	// latency quantiles of completed calls
	Completed uint64
	Q50       time.Duration
	Q99       time.Duration
	Q999      time.Duration
}

func (s *Stats) Snapshot() (r StatsSnapshot) {
	s.mut.Lock()
	defer s.mut.Unlock()
	r = StatsSnapshot{
		Pings:      s.Pings,
		ProbeLoops: s.ProbeLoops,
		Reports:    s.Reports,
		Calls:      s.Calls,
		Casts:      s.Casts,
		Sends:      s.Sends,
		Failures:   s.Failures,
		Completed:  s.td.Count(),
	}
	if r.Completed > 0 {
		r.Q50 = time.Duration(s.td.Quantile(0.5))
		r.Q99 = time.Duration(s.td.Quantile(0.99))
		r.Q999 = time.Duration(s.td.Quantile(0.999))
	}
	return
}

func (r StatsSnapshot) String() string {
	return fmt.Sprintf("StatsSnapshot{Pings:%v ProbeLoops:%v Reports:%v Calls:%v Casts:%v Sends:%v Failures:%v Completed:%v q50:%v q99:%v q999:%v}",
		r.Pings, r.ProbeLoops, r.Reports, r.Calls, r.Casts, r.Sends, r.Failures, r.Completed, r.Q50, r.Q99, r.Q999)
}
