// Package nlog is the fabric's logger: unbuffered writes to stderr and to a
// per-node log file, timestamped and leveled. Adapted from the teacher's
// cmn/nlog package with the rotation/buffer-pool machinery trimmed away —
// a node's root_path log never approaches the multi-GB/day scale that
// machinery exists to survive.
package nlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

var (
	mu      sync.Mutex
	file    *os.File
	toStderr = true

	// suppress is a set of substrings; a formatted line containing one of
	// them is written to the file but never echoed to stderr. Grounded on
	// the teacher's KernelNodeFilter, which swallows zmq's "Host unreachable"
	// noise the same way.
	suppress []string
)

// SetOutput directs file-backed logging at path, in addition to stderr.
// Called once per node at startup with <root_path>/log/<role>.log.
func SetOutput(path string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
	}
	if path == "" {
		file = nil
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Suppress registers a substring that, when present in a formatted line,
// keeps that line out of stderr (it is still written to the log file).
func Suppress(substr string) {
	mu.Lock()
	suppress = append(suppress, substr)
	mu.Unlock()
}

func Infof(format string, args ...any)    { log(sevInfo, format, args...) }
func Warningf(format string, args ...any) { log(sevWarn, format, args...) }
func Errorf(format string, args ...any)   { log(sevErr, format, args...) }

func Infoln(args ...any)    { log(sevInfo, "", args...) }
func Warningln(args ...any) { log(sevWarn, "", args...) }
func Errorln(args ...any)   { log(sevErr, "", args...) }

func log(sev severity, format string, args ...any) {
	line := formatLine(sev, format, args...)

	mu.Lock()
	defer mu.Unlock()

	muted := false
	for _, s := range suppress {
		if strings.Contains(line, s) {
			muted = true
			break
		}
	}
	if toStderr && !muted {
		os.Stderr.WriteString(line)
	}
	if file != nil {
		file.WriteString(line)
	}
}

func formatLine(sev severity, format string, args ...any) string {
	_, fn, ln, ok := runtime.Caller(3)
	if ok {
		if idx := strings.LastIndexByte(fn, '/'); idx >= 0 {
			fn = fn[idx+1:]
		}
	} else {
		fn, ln = "???", 0
	}
	now := time.Now()
	var body string
	if format == "" {
		body = fmt.Sprintln(args...)
	} else {
		body = fmt.Sprintf(format, args...)
		if !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
	}
	return fmt.Sprintf("%c %s %s:%d %s", sevChar[sev], now.Format("15:04:05.000000"), fn, ln, body)
}

// Flush syncs the log file to disk, if one is set. Kept for call-site
// parity with the teacher's nlog.Flush; there is no in-memory buffer to
// drain, since every call writes through.
func Flush() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Sync()
	}
}
