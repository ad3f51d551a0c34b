package workerproc

import "github.com/kernelfabric/kernelfabric/cmn/nlog"

// LogSink is the seam original_source/kernel/kernel_process.py's log()
// method occupies: every execution log line goes to stdout (via nlog,
// unconditionally — see logLine) and, when the worker's info payload
// names a log table, also to a relational sink. A real JDBC/relational
// sink is out of scope (spec.md §1, "the relational metadata store...
// out of scope"); this interface exists so the seam is part of a
// complete implementation even though the only shipped sink is the
// no-op default.
type LogSink interface {
	Log(line string)
}

type noopLogSink struct{}

func (noopLogSink) Log(string) {}

// logLine is the stdout half of kernel_process.py's log(): always on,
// independent of whatever LogSink is configured.
func logLine(identity, line string) {
	nlog.Infof("%s: %s", identity, line)
}
