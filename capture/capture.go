// Package capture records the session's network traffic into a bounded
// in-memory buffer that flow steps query and replay from. Two stores move
// in lock step: a redacted summary per request, safe to surface in results
// and logs, and a raw replay record kept only in memory for re-issuing the
// request. Evicting a summary always evicts its replay record.
package capture

import (
	"strings"
	"sync"
	"time"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/browser"
)

const (
	// MaxEntries bounds the buffer; the oldest entry is evicted first.
	MaxEntries = 500
	// MaxPostDataSummary caps the post data kept on the redacted summary.
	MaxPostDataSummary = 4096
	// MaxPostDataReplay caps the post data kept for replay.
	MaxPostDataReplay = 65536
	// MaxBodySnippet caps the response body snippet on the summary.
	MaxBodySnippet = 4000
)

// Filters accepted by List.
const (
	FilterAll = "all"
	FilterAPI = "api"
	FilterXHR = "xhr"
)

// Entry is the redacted, surfaceable summary of one captured exchange.
type Entry struct {
	ID              string            `json:"id"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	ResourceType    string            `json:"resourceType"`
	Status          int               `json:"status,omitempty"`
	ContentType     string            `json:"contentType,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	PostData        string            `json:"postData,omitempty"`
	BodySnippet     string            `json:"bodySnippet,omitempty"`
	IsAPI           bool              `json:"isApi"`
	At              time.Time         `json:"at"`
}

// Compact is the short form List returns by default.
type Compact struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	URL    string `json:"url"`
	Status int    `json:"status,omitempty"`
	IsAPI  bool   `json:"isApi"`
}

// ReplayData is the raw request record used to re-issue a request. It never
// leaves process memory and is never written to results, events, or
// snapshots.
type ReplayData struct {
	Method   string
	URL      string
	Headers  map[string]string
	PostData string
}

// Service buffers network events. It implements browser.NetworkTap.
type Service struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*Entry
	replay  map[string]*ReplayData
	bodies  map[string][]byte
}

// New returns an empty capture buffer.
func New() *Service {
	return &Service{
		entries: make(map[string]*Entry),
		replay:  make(map[string]*ReplayData),
		bodies:  make(map[string][]byte),
	}
}

var _ browser.NetworkTap = (*Service)(nil)

// HandleRequest records a request summary and its replay record, evicting
// the oldest pair when the buffer is full. Every entry carries a stable id:
// taps that cannot supply one (CDP always does) get a minted req_ id, so
// id-less events never collide on the empty key.
func (s *Service) HandleRequest(ev browser.RequestEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ev.ID
	if id == "" {
		id = showrun.NewRequestID()
	}
	if _, ok := s.entries[id]; ok {
		return
	}
	for len(s.order) >= MaxEntries {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
		delete(s.replay, oldest)
		delete(s.bodies, oldest)
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	s.entries[id] = &Entry{
		ID:             id,
		Method:         ev.Method,
		URL:            showrun.Redact(ev.URL),
		ResourceType:   ev.ResourceType,
		RequestHeaders: showrun.RedactHeaders(ev.Headers),
		PostData:       truncate(showrun.Redact(ev.PostData), MaxPostDataSummary),
		IsAPI:          isLikelyAPI(ev.URL, ev.ResourceType),
		At:             at,
	}
	s.replay[id] = &ReplayData{
		Method:   ev.Method,
		URL:      ev.URL,
		Headers:  copyHeaders(ev.Headers),
		PostData: truncate(ev.PostData, MaxPostDataReplay),
	}
	s.order = append(s.order, id)
}

// HandleResponse attaches response metadata to an existing entry. Events for
// already-evicted requests are dropped.
func (s *Service) HandleResponse(ev browser.ResponseEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[ev.RequestID]
	if !ok {
		return
	}
	e.Status = ev.Status
	e.ContentType = ev.ContentType
	e.ResponseHeaders = showrun.RedactHeaders(ev.Headers)
}

// HandleResponseBody stores the body and derives the summary snippet.
func (s *Service) HandleResponseBody(requestID string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[requestID]
	if !ok {
		return
	}
	s.bodies[requestID] = body
	e.BodySnippet = truncate(showrun.Redact(string(body)), MaxBodySnippet)
}

// List returns summaries newest-first, optionally filtered and limited.
// limit <= 0 means no limit.
func (s *Service) List(filter string, limit int) []Compact {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Compact
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.entries[s.order[i]]
		if !matchesFilter(e, filter) {
			continue
		}
		out = append(out, Compact{ID: e.ID, Method: e.Method, URL: e.URL, Status: e.Status, IsAPI: e.IsAPI})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ListFull is List but with complete summaries.
func (s *Service) ListFull(filter string, limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.entries[s.order[i]]
		if !matchesFilter(e, filter) {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func matchesFilter(e *Entry, filter string) bool {
	switch filter {
	case FilterAPI:
		return e.IsAPI
	case FilterXHR:
		rt := strings.ToLower(e.ResourceType)
		return rt == "xhr" || rt == "fetch"
	default:
		return true
	}
}

// Search scans summaries newest-first for a case-insensitive substring
// across URL, method, resource type, status, headers, post data, and the
// body snippet.
func (s *Service) Search(query string, limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := strings.ToLower(query)
	var out []Entry
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.entries[s.order[i]]
		if !entryMatches(e, q) {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func entryMatches(e *Entry, q string) bool {
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(e.URL), q) ||
		strings.Contains(strings.ToLower(e.Method), q) ||
		strings.Contains(strings.ToLower(e.ResourceType), q) ||
		strings.Contains(strings.ToLower(e.PostData), q) ||
		strings.Contains(strings.ToLower(e.BodySnippet), q) {
		return true
	}
	if e.Status != 0 && strings.Contains(statusString(e.Status), q) {
		return true
	}
	for k, v := range e.RequestHeaders {
		if strings.Contains(strings.ToLower(k), q) || strings.Contains(strings.ToLower(v), q) {
			return true
		}
	}
	for k, v := range e.ResponseHeaders {
		if strings.Contains(strings.ToLower(k), q) || strings.Contains(strings.ToLower(v), q) {
			return true
		}
	}
	return false
}

func statusString(status int) string {
	digits := [3]byte{}
	n := status
	for i := 2; i >= 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[:])
}

// Get returns the full summary for one request and whether replay data for
// it is still buffered.
func (s *Service) Get(requestID string) (Entry, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[requestID]
	if !ok {
		return Entry{}, false, false
	}
	_, replayable := s.replay[requestID]
	return *e, replayable, true
}

// ResponseBody returns the buffered response body for a request.
func (s *Service) ResponseBody(requestID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, ok := s.bodies[requestID]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, true
}

// ReplayData returns the raw replay record for a request. Callers must not
// log or persist it.
func (s *Service) ReplayData(requestID string) (*ReplayData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.replay[requestID]
	if !ok {
		return nil, false
	}
	cp := *r
	cp.Headers = copyHeaders(r.Headers)
	return &cp, true
}

// Len reports how many exchanges are buffered.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Clear drops everything.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.entries = make(map[string]*Entry)
	s.replay = make(map[string]*ReplayData)
	s.bodies = make(map[string][]byte)
}

// isLikelyAPI classifies a request as API traffic: xhr/fetch resource types,
// or URL paths that look like API endpoints.
func isLikelyAPI(url, resourceType string) bool {
	rt := strings.ToLower(resourceType)
	if rt == "xhr" || rt == "fetch" {
		return true
	}
	path := url
	if i := strings.Index(path, "://"); i >= 0 {
		path = path[i+3:]
	}
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[i:]
	} else {
		path = "/"
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	lower := strings.ToLower(path)
	if strings.Contains(lower, "/api/") || strings.HasSuffix(lower, "/api") {
		return true
	}
	if strings.Contains(lower, "/graphql") {
		return true
	}
	for _, seg := range strings.Split(lower, "/") {
		if len(seg) >= 2 && seg[0] == 'v' && allDigits(seg[1:]) {
			return true
		}
	}
	return false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
