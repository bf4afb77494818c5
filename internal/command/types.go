// Package command implements the CommandDispatcher worker: polling an
// inbox directory for JSON command files, dispatching each through an op
// registry, and writing a response to an outbox. The op registry pattern
// is adapted from the teacher's plugin registry (internal/plugin/registry.go):
// a name-keyed table of independently testable handlers instead of an
// inline switch.
package command

import "time"

// File is the on-disk shape of one inbox command.
type File struct {
	ID    string   `json:"id"`
	Op    string   `json:"op"`
	Paths []string `json:"paths"`
	Globs []string `json:"globs"`
}

// Response is the on-disk shape written to <outbox>/<id>.response.json.
// Handlers populate Extra with op-specific fields; it is flattened into
// the JSON object alongside the fixed fields at marshal time.
type Response struct {
	ID   string
	Op   string
	TS   time.Time
	OK   bool
	Msg  string

	Extra map[string]interface{}
}

// toMap flattens the fixed fields and Extra into one JSON object, matching
// the original agent's single flat response dict. Called explicitly by the
// dispatcher before json.Marshal; Response has no MarshalJSON of its own.
func (r Response) toMap() map[string]interface{} {
	out := map[string]interface{}{
		"id": r.ID,
		"op": r.Op,
		"ts": r.TS.UTC().Format(time.RFC3339Nano),
		"ok": r.OK,
	}
	if r.Msg != "" {
		out["msg"] = r.Msg
	}
	for k, v := range r.Extra {
		out[k] = v
	}
	return out
}

// errorRecord is written to invalid/<stem>.error.json when a command file
// is quarantined after exceeding the retry limit.
type errorRecord struct {
	TS       string `json:"ts"`
	Filename string `json:"filename"`
	Error    string `json:"error"`
	Msg      string `json:"msg"`
}
