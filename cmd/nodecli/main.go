package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/apoorvam/goterminal"
	tdigest "github.com/caio/go-tdigest"

	"github.com/glycerine/nodelink"
	"github.com/glycerine/nodelink/progress"
	"github.com/glycerine/nodelink/tcpnode"
	"github.com/glycerine/nodelink/term"
)

var td *tdigest.TDigest

func main() {
	nodelink.Exit1IfVersionReq()

	log.SetFlags(log.LstdFlags | log.Lshortfile) // Add Lshortfile for short file names

	var peerName = flag.String("peer", "backend@"+nodelink.HostName(false), "node name of the peer to call")
	var dest = flag.String("s", "127.0.0.1:9100", "address the peer listens on")
	var cookie = flag.String("cookie", "nodelink", "shared cookie")
	var listen = flag.String("hostport", "127.0.0.1:0", "our local node listens on this host and port (port can be 0)")
	var longNames = flag.Bool("long", false, "use long (fully qualified) node names")
	var once = flag.Bool("once", false, "connect once: a failed probe loop marks the peer down")

	var module = flag.String("m", "erlang", "module to call")
	var fun = flag.String("f", "node", "function to call")
	var sig = flag.String("sig", "", "argument signature, one letter per argument; empty converts each argument as 'x'")
	var args = flag.String("args", "[]", "arguments, as a JSON array")

	var cast = flag.Bool("cast", false, "cast instead of call: send and do not wait for a reply")
	var streaming = flag.Bool("progress", false, "make a progress call, showing intermediate messages on a meter")
	var total = flag.Int64("total", 0, "expected number of progress messages, for the meter's bar")
	var ping = flag.Bool("ping", false, "only check that the peer answers")

	var n = flag.Int("n", 1, "number of calls to make")
	var quiet = flag.Bool("quiet", false, "operate quietly")
	var wait = flag.Duration("wait", 10*time.Second, "time to wait for each call to complete")

	flag.Parse()

	argv, err := term.ArgsFromJSON([]byte(*args))
	if err != nil {
		log.Printf("bad -args: '%v'", err)
		os.Exit(1)
	}

	// compress of 100 still gives 1000x compression,
	// about 8KB for 1e6 samples; good accuracy at tails
	td, err = tdigest.New(tdigest.Compression(100))
	panicOn(err)

	res := tcpnode.NewStaticResolver()
	res.Register(*peerName, *dest)
	tcfg := tcpnode.NewConfig()
	tcfg.ListenAddr = *listen
	tcfg.Resolver = res

	cfg := nodelink.ConfigFromEnv()
	cfg.LongNames = cfg.LongNames || *longNames
	cfg.ConnectOnce = cfg.ConnectOnce || *once
	cfg.NodeNamePrefix = "nodecli"

	peer := nodelink.PeerIdentity{Name: *peerName, Cookie: *cookie, LongName: cfg.LongNames}
	c, err := nodelink.NewConnection(peer, tcpnode.NewTransport(tcfg), nodelink.NewConnectLock(), cfg)
	if err != nil {
		log.Printf("could not create local node: '%v'", err)
		os.Exit(1)
	}
	defer c.Stop()
	if !*quiet {
		log.Printf("local node '%v' talking to '%v' at '%v'", c.LocalNodeName(), *peerName, *dest)
	}

	if *ping {
		err = c.Connect()
		if err != nil {
			log.Printf("peer '%v' does not answer: '%v'", *peerName, err)
			os.Exit(1)
		}
		log.Printf("peer '%v' is up", *peerName)
		return
	}

	if *streaming {
		os.Exit(progressCall(c, *module, *fun, *sig, argv, *total, *wait, *quiet))
	}

	if *n > 1 {
		log.Printf("about to do n = %v calls.\n", *n)
	}
	var reply term.Term
	var i int
	slowest := -1.0
	defer func() {
		if *cast {
			log.Printf("client did %v casts. err = '%v'", i, err)
			return
		}
		q999 := td.Quantile(0.999)
		q99 := td.Quantile(0.99)
		q50 := td.Quantile(0.50)
		log.Printf("client did %v calls.  err = '%v' slowest='%v nanosec'; q999='%v nanoseconds'; q99='%v nanoseconds'; q50='%v nanoseconds'\n", i, err, slowest, q999, q99, q50)
	}()
	for i = 0; i < *n; i++ {
		if *cast {
			err = c.Cast(nil, *module, *fun, *sig, argv...)
			if err != nil {
				log.Printf("cast failed: '%v'", err)
				return
			}
			continue
		}
		t0 := time.Now()
		reply, err = c.Call(*wait, nil, *module, *fun, *sig, argv...)
		if err != nil {
			log.Printf("call failed: '%v'", err)
			return
		}
		elap := float64(time.Since(t0))
		err = td.Add(elap) // nanoseconds
		panicOn(err)
		if elap > slowest {
			slowest = elap
		}
	}

	if !*quiet && reply != nil {
		show(reply)
	}
}

func show(t term.Term) {
	js, err := term.JSON(t)
	if err != nil {
		fmt.Printf("%v\n", t)
		return
	}
	fmt.Printf("%s\n", js)
}

// meterCallback draws each progress message on one
// terminal line.
type meterCallback struct {
	mut        sync.Mutex
	meter      *progress.Meter
	redraw     func(line []byte)
	count      int64
	lastUpdate time.Time
	quiet      bool
	last       term.Term
}

func (m *meterCallback) Start(ref term.Ref) {
	if !m.quiet {
		log.Printf("progress call started, ref %v", ref)
	}
}

func (m *meterCallback) Progress(msg term.Term) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.count++
	m.last = msg
	if m.quiet || !m.meter.IsTerm {
		return
	}
	if time.Since(m.lastUpdate) < time.Millisecond*100 {
		return
	}
	m.lastUpdate = time.Now()
	m.draw()
}

// draw is called with mut held.
func (m *meterCallback) draw() {
	// erase the rest of the line, then carriage return.
	eraseAndCR := append([]byte{0x1b}, []byte("[0K\r")...) // "\033[0K\r"
	str := m.meter.ProgressString(m.count)
	m.redraw(append([]byte(str), eraseAndCR...))
}

func (m *meterCallback) Stop(result term.Term, err error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if !m.quiet && m.meter.IsTerm {
		m.draw()
		fmt.Println()
	}
}

func progressCall(c *nodelink.Connection, module, fun, sig string, argv []any, total int64, wait time.Duration, quiet bool) int {
	label := module + ":" + fun
	goTermWriter := goterminal.New(os.Stdout)
	cb := &meterCallback{
		meter: progress.NewMeter(total, label),
		redraw: func(line []byte) {
			goTermWriter.Clear()
			goTermWriter.Write(line)
			goTermWriter.Print()
		},
		quiet: quiet,
	}
	f, err := c.AsyncCallWithProgress(cb, nil, module, fun, sig, argv...)
	if err != nil {
		log.Printf("progress call failed: '%v'", err)
		return 1
	}
	res, err := f.GetTimeout(wait)
	if err != nil {
		f.Cancel()
		log.Printf("progress call failed: '%v'", err)
		return 1
	}
	if !quiet {
		cb.mut.Lock()
		log.Printf("%v progress messages; last was %v", cb.count, cb.last)
		cb.mut.Unlock()
		show(res)
	}
	if reason, bad := term.BadRPC(res); bad {
		log.Printf("remote failure: %v", strings.TrimSpace(fmt.Sprint(reason)))
		return 2
	}
	return 0
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
