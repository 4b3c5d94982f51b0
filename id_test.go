package showrun

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Error("ids must be unique")
	}
	parsed, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("not a uuid: %v", err)
	}
	if parsed.Version() != 7 {
		t.Errorf("version = %d, want 7", parsed.Version())
	}
}

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	if !strings.HasPrefix(id, "req_") {
		t.Errorf("missing prefix: %q", id)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, "req_")); err != nil {
		t.Errorf("suffix is not a uuid: %v", err)
	}
}

func TestNowISO(t *testing.T) {
	ts, err := time.Parse(time.RFC3339, NowISO())
	if err != nil {
		t.Fatal(err)
	}
	if ts.Location() != time.UTC {
		t.Errorf("timestamp not UTC: %v", ts)
	}
}
