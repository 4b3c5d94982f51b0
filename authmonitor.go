package showrun

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// AuthFailure records one detected failure.
type AuthFailure struct {
	URL    string
	Status int
	StepID string
	At     time.Time
}

// AuthFailureMonitor watches response statuses for auth failures and tracks
// the per-run recovery budget. Construct one per run from the pack's
// AuthPolicy; a nil policy yields the defaults (enabled, 401/403, one
// recovery, one retry).
type AuthFailureMonitor struct {
	enabled          bool
	statusCodes      map[int]bool
	urlIncludes      []string
	urlRegex         *regexp.Regexp
	loginURLIncludes []string

	maxRecoveries     int
	maxStepRetry      int
	cooldown          time.Duration

	mu         sync.Mutex
	failures   []AuthFailure
	recoveries int
}

// NewAuthFailureMonitor applies the documented defaults over policy.
// An invalid urlRegex is reported as a ValidationError.
func NewAuthFailureMonitor(policy *AuthPolicy) (*AuthFailureMonitor, error) {
	m := &AuthFailureMonitor{
		enabled:       true,
		statusCodes:   map[int]bool{401: true, 403: true},
		maxRecoveries: 1,
		maxStepRetry:  1,
	}
	if policy == nil {
		return m, nil
	}
	if policy.Enabled != nil {
		m.enabled = *policy.Enabled
	}
	if len(policy.StatusCodes) > 0 {
		m.statusCodes = make(map[int]bool, len(policy.StatusCodes))
		for _, c := range policy.StatusCodes {
			m.statusCodes[c] = true
		}
	}
	m.urlIncludes = policy.URLIncludes
	m.loginURLIncludes = policy.LoginURLIncludes
	if policy.URLRegex != "" {
		re, err := regexp.Compile(policy.URLRegex)
		if err != nil {
			return nil, &ValidationError{Errors: []string{"auth.policy.urlRegex: invalid regex: " + err.Error()}}
		}
		m.urlRegex = re
	}
	if policy.MaxRecoveriesPerRun != nil {
		m.maxRecoveries = *policy.MaxRecoveriesPerRun
	}
	if policy.MaxStepRetryAfterRecovery != nil {
		m.maxStepRetry = *policy.MaxStepRetryAfterRecovery
	}
	if policy.CooldownMs > 0 {
		m.cooldown = time.Duration(policy.CooldownMs) * time.Millisecond
	}
	return m, nil
}

// Enabled reports whether the monitor is active.
func (m *AuthFailureMonitor) Enabled() bool { return m.enabled }

// MaxStepRetry is the number of retries of the failing step after a
// recovery pass.
func (m *AuthFailureMonitor) MaxStepRetry() int { return m.maxStepRetry }

// Cooldown is the pause between post-recovery retries.
func (m *AuthFailureMonitor) Cooldown() time.Duration { return m.cooldown }

// IsAuthFailure reports whether (url, status) matches the policy: the
// status must be in the configured set, and if any URL constraint is set at
// least one must match.
func (m *AuthFailureMonitor) IsAuthFailure(url string, status int) bool {
	if !m.enabled || !m.statusCodes[status] {
		return false
	}
	if len(m.urlIncludes) == 0 && m.urlRegex == nil {
		return true
	}
	for _, sub := range m.urlIncludes {
		if strings.Contains(url, sub) {
			return true
		}
	}
	if m.urlRegex != nil && m.urlRegex.MatchString(url) {
		return true
	}
	return false
}

// IsLoginURL reports whether url looks like the pack's login page, so the
// recovery driver never recovers a failure of the login step itself.
func (m *AuthFailureMonitor) IsLoginURL(url string) bool {
	for _, sub := range m.loginURLIncludes {
		if strings.Contains(url, sub) {
			return true
		}
	}
	return false
}

// RecordFailure appends a failure observation.
func (m *AuthFailureMonitor) RecordFailure(url string, status int, stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, AuthFailure{URL: url, Status: status, StepID: stepID, At: time.Now()})
}

// LatestFailure returns the most recent failure, if any.
func (m *AuthFailureMonitor) LatestFailure() (AuthFailure, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) == 0 {
		return AuthFailure{}, false
	}
	return m.failures[len(m.failures)-1], true
}

// FailuresFor returns the failures recorded for one step.
func (m *AuthFailureMonitor) FailuresFor(stepID string) []AuthFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuthFailure
	for _, f := range m.failures {
		if f.StepID == stepID {
			out = append(out, f)
		}
	}
	return out
}

// TryConsumeRecovery atomically claims one unit of recovery budget.
// Returns false when the budget is exhausted. A claim covers the whole
// recovery pass regardless of how many once-steps it reruns.
func (m *AuthFailureMonitor) TryConsumeRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recoveries >= m.maxRecoveries {
		return false
	}
	m.recoveries++
	return true
}

// RecoveriesUsed reports how many recovery passes ran.
func (m *AuthFailureMonitor) RecoveriesUsed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveries
}
