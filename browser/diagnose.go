package browser

import (
	"regexp"
	"strings"
)

// Diagnostic is a controller error broken into the raw message, an optional
// remediation hint, and the controller's call log lines. Hints are
// informational only — they never change control flow.
type Diagnostic struct {
	Error   string   `json:"error"`
	Hint    string   `json:"hint,omitempty"`
	CallLog []string `json:"callLog,omitempty"`
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// hintPatterns map recognizable controller failures to remediation hints.
var hintPatterns = []struct {
	match string
	hint  string
}{
	{"intercepts pointer events", "another element overlays the target; wait for overlays or modals to close, or click the covering element first"},
	{"strict mode violation", "the target matched multiple elements; narrow the target or set first:true"},
	{"not attached to the DOM", "the element was re-rendered between resolution and action; add a wait_for before this step"},
	{"detached", "the element was re-rendered between resolution and action; add a wait_for before this step"},
	{"navigation", "the page navigated mid-action; wait for the navigation to settle before interacting"},
	{"context was destroyed", "the page navigated mid-action; wait for the navigation to settle before interacting"},
}

// Diagnose parses a controller error string: strips ANSI escapes, splits
// off indented "- " call-log lines, and attaches a hint when the failure
// shape is recognizable.
func Diagnose(raw string) Diagnostic {
	clean := ansiPattern.ReplaceAllString(raw, "")
	var msgLines, callLog []string
	for _, line := range strings.Split(clean, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") {
			callLog = append(callLog, strings.TrimPrefix(trimmed, "- "))
			continue
		}
		if trimmed != "" {
			msgLines = append(msgLines, trimmed)
		}
	}
	d := Diagnostic{Error: strings.Join(msgLines, " "), CallLog: callLog}
	lower := strings.ToLower(d.Error)
	for _, h := range hintPatterns {
		if strings.Contains(lower, h.match) {
			d.Hint = h.hint
			break
		}
	}
	return d
}
