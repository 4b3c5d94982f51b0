package showrun

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports malformed packs, steps, or targets. Errors holds
// one message per structural violation, in flow order.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Errors), strings.Join(e.Errors, "; "))
}

// InputError reports an input-schema mismatch or missing required input.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input %q: %s", e.Field, e.Reason)
}

// UnresolvedTemplateError reports a {{...}} reference with no value in the
// current context. It carries only the expression, never surrounding text.
type UnresolvedTemplateError struct {
	Expression string
}

func (e *UnresolvedTemplateError) Error() string {
	return fmt.Sprintf("unresolved template reference {{%s}}", e.Expression)
}

// StepTimeoutError reports a suspension point exceeding the step deadline.
type StepTimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q: timed out after %s", e.StepID, e.Timeout)
}

// TargetNotFoundError reports a resolver that returned zero matches for a
// step with no default.
type TargetNotFoundError struct {
	StepID string
	Target string
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("step %q: no element matched %s", e.StepID, e.Target)
}

// AssertionError reports a failed assert step. Message is the author's
// custom text, if any.
type AssertionError struct {
	StepID  string
	Message string
}

func (e *AssertionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("step %q: assertion failed: %s", e.StepID, e.Message)
	}
	return fmt.Sprintf("step %q: assertion failed", e.StepID)
}

// NetworkFindError reports that no capture matched within the wait window.
type NetworkFindError struct {
	StepID   string
	WaitedMs int
}

func (e *NetworkFindError) Error() string {
	return fmt.Sprintf("step %q: no captured request matched after %dms; ensure a prior step triggers the request, or raise waitForMs", e.StepID, e.WaitedMs)
}

// ReplayError reports that a captured request can no longer be replayed.
type ReplayError struct {
	RequestID string
	Reason    string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s: %s", e.RequestID, e.Reason)
}

// SensitiveHeaderError reports an attempt to override a blocklisted header.
type SensitiveHeaderError struct {
	Header string
}

func (e *SensitiveHeaderError) Error() string {
	return fmt.Sprintf("header %q is sensitive and cannot be overridden", e.Header)
}

// SnapshotDriftError reports a pure-HTTP replay whose status class differs
// from the snapshot's recorded status.
type SnapshotDriftError struct {
	StepID string
	Want   int
	Got    int
}

func (e *SnapshotDriftError) Error() string {
	return fmt.Sprintf("step %q: snapshot drifted: recorded status %d, replay returned %d", e.StepID, e.Want, e.Got)
}

// AuthFailureError reports an auth failure with the recovery budget spent.
type AuthFailureError struct {
	StepID string
	URL    string
	Status int
}

func (e *AuthFailureError) Error() string {
	return fmt.Sprintf("step %q: auth failure (status %d) and recovery budget exhausted", e.StepID, e.Status)
}

// OperationalError wraps I/O, proxy, and disk failures.
type OperationalError struct {
	Op  string
	Err error
}

func (e *OperationalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationalError) Unwrap() error { return e.Err }
