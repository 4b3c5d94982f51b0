package showrun

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// OnceCache memoizes steps tagged once:"session" or once:"profile".
// Session entries live for one browser session; profile entries persist on
// disk under the profile's cache directory so a login performed on one run
// is skipped on the next.
//
// Disk layout: one JSON file per (scope, id). Files are written whole
// (temp + rename) so concurrent readers see either the prior state or the
// new one, never a partial file. Missing or corrupt files read as "not
// executed".
type OnceCache struct {
	mu      sync.Mutex
	dir     string // cache directory; empty disables persistence
	session map[string]bool
	profile map[string]bool
}

type onceRecord struct {
	StepID     string `json:"stepId"`
	Scope      string `json:"scope"`
	ExecutedAt string `json:"executedAt"`
}

// NewOnceCache creates a cache rooted at dir (for example
// <pack>/.browser-profile/once). Empty dir keeps everything in memory.
func NewOnceCache(dir string) *OnceCache {
	return &OnceCache{
		dir:     dir,
		session: make(map[string]bool),
		profile: make(map[string]bool),
	}
}

// WasExecuted reports whether stepID already ran in the given scope.
// Profile lookups fall back to disk on a memory miss.
func (c *OnceCache) WasExecuted(scope, stepID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch scope {
	case OnceSession:
		return c.session[stepID]
	case OnceProfile:
		if c.profile[stepID] {
			return true
		}
		if c.dir == "" {
			return false
		}
		if _, err := os.Stat(c.filePath(scope, stepID)); err == nil {
			c.profile[stepID] = true
			return true
		}
		return false
	}
	return false
}

// MarkExecuted records stepID as executed in the given scope. Profile
// entries are persisted; persistence failures are swallowed — the cache is
// an optimization, not a ledger.
func (c *OnceCache) MarkExecuted(scope, stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch scope {
	case OnceSession:
		c.session[stepID] = true
	case OnceProfile:
		c.profile[stepID] = true
		if c.dir != "" {
			c.persist(scope, stepID)
		}
	}
}

// ClearSession drops the session-scoped entries. Called when the browser
// session ends.
func (c *OnceCache) ClearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = make(map[string]bool)
}

func (c *OnceCache) persist(scope, stepID string) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return
	}
	rec := onceRecord{StepID: stepID, Scope: scope, ExecutedAt: time.Now().UTC().Format(time.RFC3339)}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	path := c.filePath(scope, stepID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

func (c *OnceCache) filePath(scope, stepID string) string {
	return filepath.Join(c.dir, scope+"-"+sanitizeFileName(stepID)+".json")
}

// sanitizeFileName replaces path separators and other unsafe characters so
// arbitrary step ids map to flat file names.
func sanitizeFileName(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_", "\x00", "_")
	return r.Replace(s)
}
