package tcpnode

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strconv"
	"time"

	"4d63.com/tz"
	"github.com/glycerine/nodelink/node"
)

var verbose bool = false

var utcTz *time.Location

func init() {
	var err error
	utcTz, err = tz.LoadLocation("UTC")
	panicOn(err)
}

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

var showGoID bool = true

func pp(format string, a ...interface{}) {
	if verbose {
		tsPrintf(format, a...)
	}
}

func zz(format string, a ...interface{}) {}

func vv(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

func tsPrintf(format string, a ...interface{}) {
	node.TsPrintfMut.Lock()
	if showGoID {
		printf("\n%s [goID %v] %s ", fileLine(3), GoroNumber(), ts())
	} else {
		printf("\n%s %s ", fileLine(3), ts())
	}
	printf(format+"\n", a...)
	node.TsPrintfMut.Unlock()
}

func ts() string {
	return time.Now().In(utcTz).Format(rfc3339NanoNumericTZ0pad)
}

var ourStdout io.Writer = os.Stdout

func printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(ourStdout, format, a...)
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

// GoroNumber returns the calling goroutine's number.
func GoroNumber() int {
	buf := make([]byte, 48)
	nw := runtime.Stack(buf, false)
	buf = buf[:nw]

	// prefix "goroutine " is len 10.
	i := 10
	for buf[i] != ' ' && i < 30 {
		i++
	}
	n, err := strconv.Atoi(string(buf[10:i]))
	panicOn(err)
	return n
}
