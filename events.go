package showrun

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Run event types written to events.jsonl.
const (
	EventRunStarted           = "run_started"
	EventStepStarted          = "step_started"
	EventStepSkipped          = "step_skipped"
	EventStepFinished         = "step_finished"
	EventError                = "error"
	EventAuthFailureDetected  = "auth_failure_detected"
	EventAuthRecoveryStarted  = "auth_recovery_started"
	EventAuthRecoveryFinished = "auth_recovery_finished"
	EventRunFinished          = "run_finished"
	EventRunAborted           = "run_aborted"
)

// Skip reasons carried on step_skipped events.
const (
	SkipReasonOnce     = "once"
	SkipReasonSkipIf   = "skip_if"
	SkipReasonHTTPMode = "http_mode"
)

// Event is one line of the run's newline-delimited JSON event stream.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// EventWriter appends events to a run's events.jsonl. Writes are
// line-atomic under the mutex; a nil writer drops events, so callers never
// need to guard emission.
type EventWriter struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewEventWriter creates (or truncates) the event stream at path, creating
// parent directories as needed.
func NewEventWriter(path string) (*EventWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &OperationalError{Op: "create run dir", Err: err}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, &OperationalError{Op: "create events stream", Err: err}
	}
	return &EventWriter{f: f, enc: json.NewEncoder(f)}, nil
}

// Emit appends one event with the current UTC timestamp.
func (w *EventWriter) Emit(eventType string, data any) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
}

// Close flushes and closes the underlying file.
func (w *EventWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
