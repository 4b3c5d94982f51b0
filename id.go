package showrun

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewRequestID mints an id for a captured network request. The prefix keeps
// capture ids visually distinct from run ids in logs and vars.
func NewRequestID() string {
	return "req_" + NewID()
}

// NowISO returns the current time as ISO 8601 UTC, the timestamp format of
// run events and version manifests.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
