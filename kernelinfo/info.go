// Package kernelinfo defines the shape of the opaque "info" payload a
// client attaches to REQ_KERNEL (spec.md §4.6) and a worker receives at
// spawn time (spec.md §4.3). The provider forwards info verbatim and
// never parses it (spec.md §4.3: "an opaque JSON payload the provider
// does not interpret"); only the client and worker ends agree on its
// shape, following original_source/kernel/kernel_process.py.
package kernelinfo

// DB carries the connection parameters a worker uses to reach the
// relational metadata store for logging (the store itself is out of
// scope, per spec.md §1; only the shape of its connection info is
// carried here).
type DB struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Database string `json:"database,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

// Log names the table/columns a worker's LogSink appends execution log
// lines to, when a DB log sink is configured.
type Log struct {
	Table      string `json:"table,omitempty"`
	Column     string `json:"column,omitempty"`
	RecordID   string `json:"record_id,omitempty"`
}

// Info is the full info payload, attached by a client and consumed only
// by the worker it eventually reaches.
type Info struct {
	DB  *DB  `json:"db,omitempty"`
	Log *Log `json:"log,omitempty"`
}
