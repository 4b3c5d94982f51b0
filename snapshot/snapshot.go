// Package snapshot persists captured request/response shapes so a flow can
// later run in HTTP-only mode without a browser. Snapshots store only what
// replay needs to re-issue a request; sensitive headers are stripped before
// anything touches disk.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/showrun/showrun"
)

// DefaultMaxAge is the staleness threshold. Zero disables age checks.
const DefaultMaxAge = 7 * 24 * time.Hour

// ResponseShape records what the original exchange returned, enough to
// detect drift on later replays without storing the body.
type ResponseShape struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	BodySHA     string `json:"bodySha,omitempty"`
}

// RequestSnapshot is one step's captured exchange.
type RequestSnapshot struct {
	StepID         string            `json:"stepId"`
	CapturedAt     time.Time         `json:"capturedAt"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	RequestHeaders map[string]string `json:"requestHeaders,omitempty"`
	Body           string            `json:"body,omitempty"`
	Response       ResponseShape     `json:"response"`
	// ParamsHash fingerprints the step's declared params at capture time;
	// a structural change makes the snapshot stale.
	ParamsHash string `json:"paramsHash"`
}

// File is the on-disk snapshot set, keyed by step id.
type File struct {
	Version   int                         `json:"version"`
	Snapshots map[string]*RequestSnapshot `json:"snapshots"`
}

// NewSnapshot builds a snapshot from a replayed exchange. Sensitive headers
// never reach the snapshot.
func NewSnapshot(stepID, method, url string, headers map[string]string, body string, status int, contentType string, respBody []byte, paramsHash string) *RequestSnapshot {
	clean := make(map[string]string, len(headers))
	for k, v := range headers {
		if showrun.IsSensitiveHeader(k) {
			continue
		}
		clean[k] = v
	}
	sum := sha256.Sum256(respBody)
	return &RequestSnapshot{
		StepID:         stepID,
		CapturedAt:     time.Now().UTC(),
		Method:         method,
		URL:            url,
		RequestHeaders: clean,
		Body:           body,
		Response: ResponseShape{
			Status:      status,
			ContentType: contentType,
			BodySHA:     hex.EncodeToString(sum[:]),
		},
		ParamsHash: paramsHash,
	}
}

// ParamsHash fingerprints a step's raw params structurally: canonical JSON,
// then SHA-256.
func ParamsHash(params json.RawMessage) (string, error) {
	var decoded any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return "", fmt.Errorf("decode step params: %w", err)
		}
	}
	canonical, err := showrun.CanonicalJSON(decoded)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Load reads the pack's snapshot file. A missing file returns (nil, nil).
func Load(ctx context.Context, packDir string) (*File, error) {
	_ = ctx
	path := filepath.Join(packDir, showrun.SnapshotsFile)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &showrun.OperationalError{Op: "read snapshots", Err: err}
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &showrun.OperationalError{Op: "parse snapshots", Err: err}
	}
	if f.Snapshots == nil {
		f.Snapshots = map[string]*RequestSnapshot{}
	}
	return &f, nil
}

// Save writes the snapshot file atomically.
func Save(ctx context.Context, packDir string, f *File) error {
	_ = ctx
	if f.Version == 0 {
		f.Version = 1
	}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return &showrun.OperationalError{Op: "encode snapshots", Err: err}
	}
	path := filepath.Join(packDir, showrun.SnapshotsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return &showrun.OperationalError{Op: "write snapshots", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &showrun.OperationalError{Op: "write snapshots", Err: err}
	}
	return nil
}

// IsStale reports whether a snapshot can no longer back an HTTP-only run:
// its age exceeds maxAge (when maxAge > 0), or the step's current params no
// longer hash to what was captured.
func IsStale(s *RequestSnapshot, currentParamsHash string, maxAge time.Duration, now time.Time) bool {
	if maxAge > 0 && now.Sub(s.CapturedAt) > maxAge {
		return true
	}
	return s.ParamsHash != currentParamsHash
}

// IsFlowHTTPCompatible decides HTTP-only eligibility for a flow. All four
// conditions must hold:
//  1. a snapshot set exists,
//  2. no DOM-extraction step is present,
//  3. at least one network_replay step exists and each has a fresh snapshot,
//  4. no HTTP-skipped step carries template expressions in its params
//     (those would silently never evaluate).
//
// The returned reason names the first failing condition, for run notes.
func IsFlowHTTPCompatible(flow []showrun.Step, snaps *File, maxAge time.Duration, now time.Time) (bool, string) {
	if snaps == nil || len(snaps.Snapshots) == 0 {
		return false, "no snapshots captured"
	}
	replaySteps := 0
	for _, step := range flow {
		if showrun.DOMExtractionSteps[step.Type] {
			return false, fmt.Sprintf("step %q requires DOM extraction", step.ID)
		}
		if step.Type == showrun.StepNetworkReplay {
			replaySteps++
			snap, ok := snaps.Snapshots[step.ID]
			if !ok {
				return false, fmt.Sprintf("step %q has no snapshot", step.ID)
			}
			hash, err := ParamsHash(step.Params)
			if err != nil {
				return false, fmt.Sprintf("step %q params unreadable", step.ID)
			}
			if IsStale(snap, hash, maxAge, now) {
				return false, fmt.Sprintf("snapshot for step %q is stale", step.ID)
			}
		}
		if showrun.HTTPSkippedSteps[step.Type] && paramsHaveTemplates(step.Params) {
			return false, fmt.Sprintf("step %q uses templates that only evaluate in browser mode", step.ID)
		}
	}
	if replaySteps == 0 {
		return false, "flow has no network_replay steps"
	}
	return true, ""
}

// paramsHaveTemplates scans every string inside the raw params for a
// template expression.
func paramsHaveTemplates(params json.RawMessage) bool {
	if len(params) == 0 {
		return false
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return false
	}
	return anyTemplate(decoded)
}

func anyTemplate(v any) bool {
	switch t := v.(type) {
	case string:
		return showrun.HasTemplate(t)
	case map[string]any:
		for _, sub := range t {
			if anyTemplate(sub) {
				return true
			}
		}
	case []any:
		for _, sub := range t {
			if anyTemplate(sub) {
				return true
			}
		}
	}
	return false
}

// ValidateResponse compares a pure-HTTP replay's status against the
// snapshot's recorded status class. A class mismatch is drift.
func ValidateResponse(stepID string, snap *RequestSnapshot, gotStatus int) error {
	if snap.Response.Status/100 != gotStatus/100 {
		return &showrun.SnapshotDriftError{StepID: stepID, Want: snap.Response.Status, Got: gotStatus}
	}
	return nil
}
