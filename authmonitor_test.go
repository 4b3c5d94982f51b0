package showrun

import (
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func TestAuthMonitorDefaults(t *testing.T) {
	m, err := NewAuthFailureMonitor(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Enabled() {
		t.Error("default monitor should be enabled")
	}
	if !m.IsAuthFailure("https://api.example.com/me", 401) {
		t.Error("401 should be a failure by default")
	}
	if !m.IsAuthFailure("https://api.example.com/me", 403) {
		t.Error("403 should be a failure by default")
	}
	if m.IsAuthFailure("https://api.example.com/me", 500) {
		t.Error("500 is not an auth failure")
	}
	if m.MaxStepRetry() != 1 {
		t.Errorf("default step retry = %d, want 1", m.MaxStepRetry())
	}
}

func TestAuthMonitorURLConstraints(t *testing.T) {
	m, err := NewAuthFailureMonitor(&AuthPolicy{
		URLIncludes: []string{"/api/"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsAuthFailure("https://x.test/api/me", 401) {
		t.Error("matching URL should count")
	}
	if m.IsAuthFailure("https://x.test/static/app.js", 401) {
		t.Error("non-matching URL should not count")
	}
}

func TestAuthMonitorURLRegex(t *testing.T) {
	m, err := NewAuthFailureMonitor(&AuthPolicy{URLRegex: `/v\d+/session`})
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsAuthFailure("https://x.test/v2/session", 401) {
		t.Error("regex match should count")
	}
	if m.IsAuthFailure("https://x.test/login", 401) {
		t.Error("regex miss should not count")
	}

	if _, err := NewAuthFailureMonitor(&AuthPolicy{URLRegex: "("}); err == nil {
		t.Error("invalid regex should be rejected")
	}
}

func TestAuthMonitorDisabled(t *testing.T) {
	m, err := NewAuthFailureMonitor(&AuthPolicy{Enabled: boolPtr(false)})
	if err != nil {
		t.Fatal(err)
	}
	if m.Enabled() {
		t.Error("monitor should be disabled")
	}
	if m.IsAuthFailure("https://x.test/api", 401) {
		t.Error("disabled monitor must not report failures")
	}
}

func TestAuthMonitorCustomStatuses(t *testing.T) {
	m, err := NewAuthFailureMonitor(&AuthPolicy{StatusCodes: []int{419}})
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsAuthFailure("https://x.test", 419) {
		t.Error("configured status should count")
	}
	if m.IsAuthFailure("https://x.test", 401) {
		t.Error("401 should no longer count once the set is overridden")
	}
}

func TestAuthMonitorRecoveryBudget(t *testing.T) {
	m, err := NewAuthFailureMonitor(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !m.TryConsumeRecovery() {
		t.Fatal("first recovery should be granted")
	}
	if m.TryConsumeRecovery() {
		t.Error("default budget is one recovery per run")
	}
	if m.RecoveriesUsed() != 1 {
		t.Errorf("recoveries used = %d, want 1", m.RecoveriesUsed())
	}

	m2, _ := NewAuthFailureMonitor(&AuthPolicy{MaxRecoveriesPerRun: intPtr(2)})
	m2.TryConsumeRecovery()
	if !m2.TryConsumeRecovery() {
		t.Error("second recovery should fit the raised budget")
	}
	if m2.TryConsumeRecovery() {
		t.Error("third recovery should exceed the budget")
	}
}

func TestAuthMonitorFailureLog(t *testing.T) {
	m, _ := NewAuthFailureMonitor(nil)

	if _, ok := m.LatestFailure(); ok {
		t.Error("no failure recorded yet")
	}

	m.RecordFailure("https://x.test/api/a", 401, "step-a")
	m.RecordFailure("https://x.test/api/b", 403, "step-b")

	latest, ok := m.LatestFailure()
	if !ok || latest.StepID != "step-b" || latest.Status != 403 {
		t.Errorf("latest = %+v, ok=%v", latest, ok)
	}
	if got := m.FailuresFor("step-a"); len(got) != 1 || got[0].URL != "https://x.test/api/a" {
		t.Errorf("FailuresFor(step-a) = %v", got)
	}
}

func TestAuthMonitorLoginURL(t *testing.T) {
	m, _ := NewAuthFailureMonitor(&AuthPolicy{LoginURLIncludes: []string{"/login", "/signin"}})
	if !m.IsLoginURL("https://x.test/login?next=/") {
		t.Error("login URL not recognized")
	}
	if m.IsLoginURL("https://x.test/dashboard") {
		t.Error("dashboard misclassified as login")
	}
}

func TestAuthMonitorCooldown(t *testing.T) {
	m, _ := NewAuthFailureMonitor(&AuthPolicy{CooldownMs: 250})
	if m.Cooldown() != 250*time.Millisecond {
		t.Errorf("cooldown = %v", m.Cooldown())
	}
}
