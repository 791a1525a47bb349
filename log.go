package chaski

// Timestamp- and goroutine-prefixed debug logging, in the same style as
// the teacher's tube/vprint.go: a package-level verbose flag gates a
// single vv() helper so call sites never branch on logging themselves.

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strconv"
	"sync"
	"time"

	"4d63.com/tz"
)

var verbose = os.Getenv("CHASKI_VERBOSE") != ""

var logTZ *time.Location

func init() {
	var err error
	logTZ, err = tz.LoadLocation("UTC")
	if err != nil {
		logTZ = time.UTC
	}
}

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

var tsPrintfMut sync.Mutex
var logOut io.Writer = os.Stderr

// SetVerbose turns vv() logging on or off at runtime.
func SetVerbose(on bool) { verbose = on }

func vv(format string, a ...interface{}) {
	if verbose {
		tsPrintf(format, a...)
	}
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

func tsPrintf(format string, a ...interface{}) {
	tsPrintfMut.Lock()
	defer tsPrintfMut.Unlock()
	fmt.Fprintf(logOut, "%s [goID %v] %s ", fileLine(3), goroNumber(), ts())
	fmt.Fprintf(logOut, format+"\n", a...)
}

func ts() string {
	return time.Now().In(logTZ).Format(rfc3339NanoNumericTZ0pad)
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
}

// goroNumber extracts the calling goroutine's id from runtime.Stack
// output, for log correlation; best-effort only, never fatal.
func goroNumber() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	fields := splitFirstTwoFields(buf)
	n, err := strconv.ParseInt(fields, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func splitFirstTwoFields(buf []byte) string {
	// buf looks like "goroutine 123 [running]:..."
	const prefix = "goroutine "
	if len(buf) < len(prefix) {
		return "-1"
	}
	buf = buf[len(prefix):]
	i := 0
	for i < len(buf) && buf[i] != ' ' {
		i++
	}
	return string(buf[:i])
}
