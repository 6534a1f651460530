package noded

import (
	"fmt"
	"os"
	"path"
	"runtime"
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

func pp(format string, a ...interface{}) {
	if verbose {
		tsPrintf(format, a...)
	}
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

func tsPrintf(format string, a ...interface{}) {
	node.TsPrintfMut.Lock()
	fmt.Fprintf(os.Stdout, "\n%s %s ", fileLine(3), time.Now().In(utcTz).Format(rfc3339NanoNumericTZ0pad))
	fmt.Fprintf(os.Stdout, format+"\n", a...)
	node.TsPrintfMut.Unlock()
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
