package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "net/http/pprof" // for web based profiling while running

	"github.com/glycerine/nodelink"
	"github.com/glycerine/nodelink/noded"
	"github.com/glycerine/nodelink/tcpnode"
)

var srv *noded.Server

func noticeControlC() {
	t0 := time.Now()
	sigChan := make(chan os.Signal, 1)
	go func() {
		for range sigChan {
			report(time.Since(t0))
			os.Exit(0)
		}
	}()
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
}

func report(elap time.Duration) {
	if srv == nil {
		return
	}
	n := srv.Served()
	if n > 0 {
		fmt.Printf("\n\nnoded elapsed: %v for requests served: %v  => %v requests/second.\n", elap, n, float64(n)/elap.Seconds())
	}
}

func main() {

	nodelink.Exit1IfVersionReq()

	fmt.Printf("%v", nodelink.GetCodeVersion("noded"))

	log.SetFlags(log.LstdFlags | log.Lshortfile) // Add Lshortfile for short file names

	noticeControlC()

	var name = flag.String("name", "backend@"+nodelink.HostName(false), "node name to answer to")
	var addr = flag.String("s", "127.0.0.1:9100", "address to bind and listen on")
	var cookie = flag.String("cookie", "nodelink", "shared cookie; peers presenting another are refused")
	var compressOver = flag.Int("compress", 4096, "zstd compress message bodies larger than this many bytes; 0 turns compression off")
	var maxLinks = flag.Int("maxlinks", 256, "most simultaneous inbound links")
	var profile = flag.String("prof", "", "host:port to start web profiler on. host can be empty for all localhost interfaces")
	var seconds = flag.Int("sec", 0, "run for this many seconds, then exit")
	var max = flag.Int("max", 0, "set runtime.GOMAXPROCS to this value.")

	flag.Parse()

	if *max > 0 {
		runtime.GOMAXPROCS(*max)
	}

	if *profile != "" {
		fmt.Printf("webprofile starting at '%v'...\n", *profile)
		go func() {
			http.ListenAndServe(*profile, nil)
		}()
	}

	cfg := tcpnode.NewConfig()
	cfg.ListenAddr = *addr
	cfg.CompressOver = *compressOver
	cfg.MaxLinks = *maxLinks

	n, err := tcpnode.NewTransport(cfg).Listen(*name, *cookie)
	if err != nil {
		log.Printf("could not start node '%v': '%v'", *name, err)
		os.Exit(1)
	}
	defer n.Close()

	srv = noded.NewServer(n)
	srv.RegisterBuiltins()
	err = srv.Start()
	if err != nil {
		panic(fmt.Sprintf("could not start rex on node '%v': '%v'", *name, err))
	}
	defer srv.Close()

	log.Printf("noded '%v' listening on '%v'", *name, n.Addr())

	if *seconds > 0 {
		t0 := time.Now()
		<-time.After(time.Second * time.Duration(*seconds))
		report(time.Since(t0))
		return
	}
	select {}
}
