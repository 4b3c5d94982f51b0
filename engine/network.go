package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmespath/go-jmespath"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/capture"
	"github.com/showrun/showrun/replay"
	"github.com/showrun/showrun/snapshot"
)

const defaultPollInterval = 250 * time.Millisecond

// stepNetworkFind searches the capture buffer for a request matching the
// where clause and saves its id to vars[saveAs]. With responseContains set,
// the first lookup is delayed so asynchronously captured bodies can land.
func (in *Interpreter) stepNetworkFind(ctx context.Context, step *showrun.Step) error {
	var p showrun.NetworkFindParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	if in.State.Capture == nil {
		return &showrun.OperationalError{Op: "step " + step.ID, Err: errNoPage}
	}
	tc := in.State.TemplateContext()
	where, re, err := resolveWhere(&p.Where, tc)
	if err != nil {
		return err
	}

	poll := defaultPollInterval
	if p.PollIntervalMs >= showrun.MinPollIntervalMs {
		poll = time.Duration(p.PollIntervalMs) * time.Millisecond
	}

	if where.ResponseContains != "" {
		initial := 4 * poll
		if initial > 2*time.Second {
			initial = 2 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(initial):
		}
	}

	deadline := time.Now().Add(time.Duration(p.WaitForMs) * time.Millisecond)
	waited := 0
	for {
		if entry, ok := findCaptured(in.State.Capture, where, re, p.Pick); ok {
			in.State.SetVar(p.SaveAs, entry.ID)
			return nil
		}
		if p.WaitForMs <= 0 || !time.Now().Before(deadline) {
			return &showrun.NetworkFindError{StepID: step.ID, WaitedMs: waited}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
			waited += int(poll / time.Millisecond)
		}
	}
}

// resolveWhere template-resolves the clause's string fields and compiles
// urlRegex once.
func resolveWhere(w *showrun.NetworkWhere, tc *showrun.TemplateContext) (*showrun.NetworkWhere, *regexp.Regexp, error) {
	out := *w
	var err error
	if out.URLIncludes, err = showrun.ResolveString(w.URLIncludes, tc); err != nil {
		return nil, nil, err
	}
	if out.ResponseContains, err = showrun.ResolveString(w.ResponseContains, tc); err != nil {
		return nil, nil, err
	}
	var re *regexp.Regexp
	if out.URLRegex != "" {
		if re, err = regexp.Compile(out.URLRegex); err != nil {
			return nil, nil, &showrun.ValidationError{Errors: []string{"network_find urlRegex: " + err.Error()}}
		}
	}
	return &out, re, nil
}

// findCaptured scans the buffer in capture order. pick:"first" (default)
// returns the oldest match, pick:"last" the newest.
func findCaptured(svc *capture.Service, w *showrun.NetworkWhere, re *regexp.Regexp, pick string) (capture.Entry, bool) {
	newestFirst := svc.ListFull(capture.FilterAll, 0)
	if pick == "last" {
		for _, e := range newestFirst {
			if whereMatches(&e, w, re) {
				return e, true
			}
		}
		return capture.Entry{}, false
	}
	for i := len(newestFirst) - 1; i >= 0; i-- {
		if whereMatches(&newestFirst[i], w, re) {
			return newestFirst[i], true
		}
	}
	return capture.Entry{}, false
}

func whereMatches(e *capture.Entry, w *showrun.NetworkWhere, re *regexp.Regexp) bool {
	if w.URLIncludes != "" && !strings.Contains(e.URL, w.URLIncludes) {
		return false
	}
	if re != nil && !re.MatchString(e.URL) {
		return false
	}
	if w.Method != "" && !strings.EqualFold(e.Method, w.Method) {
		return false
	}
	if w.Status != nil && e.Status != *w.Status {
		return false
	}
	if w.ContentTypeIncludes != "" && !strings.Contains(strings.ToLower(e.ContentType), strings.ToLower(w.ContentTypeIncludes)) {
		return false
	}
	if w.ResponseContains != "" && !strings.Contains(e.BodySnippet, w.ResponseContains) {
		return false
	}
	return true
}

// stepNetworkReplay re-issues a captured (or snapshotted) request.
// Browser mode replays through the page; HTTP-only mode replays from the
// step's snapshot with the engine's HTTP client and validates drift.
func (in *Interpreter) stepNetworkReplay(ctx context.Context, step *showrun.Step) error {
	var p showrun.NetworkReplayParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	tc := in.State.TemplateContext()

	if in.State.Mode == ModeHTTP {
		return in.replayFromSnapshot(ctx, step, &p, tc)
	}

	requestID, err := showrun.ResolveString(p.RequestID, tc)
	if err != nil {
		return err
	}
	if in.State.Capture == nil {
		return &showrun.ReplayError{RequestID: requestID, Reason: "no capture buffer in this run mode"}
	}
	rd, ok := in.State.Capture.ReplayData(requestID)
	if !ok {
		return &showrun.ReplayError{RequestID: requestID, Reason: "request no longer buffered (evicted or from a previous session)"}
	}

	req := replay.FromCapture(rd)
	if err := replay.ApplyOverrides(&req, p.Overrides, tc); err != nil {
		return err
	}
	page, err := in.requirePage(step)
	if err != nil {
		return err
	}
	res, err := in.Replay.ReplayBrowser(ctx, page, req)
	if err != nil {
		return err
	}
	in.observeReplayStatus(step, req.URL, res.Status)

	if in.RecordSnapshots && in.Snapshots != nil {
		if hash, herr := snapshot.ParamsHash(step.Params); herr == nil {
			in.Snapshots.Snapshots[step.ID] = snapshot.NewSnapshot(
				step.ID, req.Method, req.URL, req.Headers, req.Body,
				res.Status, res.ContentType, []byte(res.Body), hash)
		}
	}
	return in.storeReplayResult(step, &p, res)
}

// replayFromSnapshot drives the pure-HTTP path: the snapshot supplies the
// request, overrides still apply, and a drifted status class is a typed
// error.
func (in *Interpreter) replayFromSnapshot(ctx context.Context, step *showrun.Step, p *showrun.NetworkReplayParams, tc *showrun.TemplateContext) error {
	if in.Snapshots == nil {
		return &showrun.ReplayError{RequestID: step.ID, Reason: "no snapshots loaded"}
	}
	snap, ok := in.Snapshots.Snapshots[step.ID]
	if !ok {
		return &showrun.ReplayError{RequestID: step.ID, Reason: "no snapshot for this step"}
	}

	req := replay.Request{
		Method:  snap.Method,
		URL:     snap.URL,
		Headers: copyHeaders(snap.RequestHeaders),
		Body:    snap.Body,
	}
	if err := replay.ApplyOverrides(&req, p.Overrides, tc); err != nil {
		return err
	}
	res, err := in.Replay.ReplayHTTP(ctx, req)
	if err != nil {
		return err
	}
	if err := snapshot.ValidateResponse(step.ID, snap, res.Status); err != nil {
		return err
	}
	in.observeReplayStatus(step, req.URL, res.Status)
	return in.storeReplayResult(step, p, res)
}

// observeReplayStatus feeds replay statuses to the auth monitor; captured
// browser traffic reaches it through the network tap instead.
func (in *Interpreter) observeReplayStatus(step *showrun.Step, url string, status int) {
	m := in.State.Monitor
	if m == nil || !m.IsAuthFailure(url, status) {
		return
	}
	m.RecordFailure(url, status, step.ID)
	in.Events.Emit(showrun.EventAuthFailureDetected, map[string]any{
		"step": step.ID, "status": status, "url": showrun.Redact(url),
	})
}

// storeReplayResult honors saveAs (raw body to vars) and out+response
// (extracted value to collectibles).
func (in *Interpreter) storeReplayResult(step *showrun.Step, p *showrun.NetworkReplayParams, res *replay.Response) error {
	if p.SaveAs != "" {
		in.State.SetVar(p.SaveAs, res.Body)
	}
	if p.Out == "" || p.Response == nil {
		return nil
	}
	value, err := extractBody(res.Body, p.Response.As, p.Response.JSONPath)
	if err != nil {
		return fmt.Errorf("step %q: %w", step.ID, err)
	}
	in.State.SetCollectible(p.Out, value)
	return nil
}

// extractBody interprets a response body per (as, jsonPath). as:"text" with
// a jsonPath still parses JSON for the query, then re-serializes non-scalar
// results as JSON strings.
func extractBody(body, as, jsonPath string) (any, error) {
	if as == "text" && jsonPath == "" {
		return body, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		if as == "text" {
			return body, nil
		}
		return nil, fmt.Errorf("response is not valid JSON: %v", err)
	}
	if jsonPath != "" {
		projected, err := jmespath.Search(jsonPath, decoded)
		if err != nil {
			return nil, fmt.Errorf("jsonPath %q: %v", jsonPath, err)
		}
		decoded = projected
	}
	if as == "text" {
		return stringifyExtract(decoded), nil
	}
	return decoded, nil
}

func stringifyExtract(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(raw)
	}
	return v
}

// stepNetworkExtract projects a previously saved response body into a
// collectible, optionally transforming each element.
func (in *Interpreter) stepNetworkExtract(step *showrun.Step) error {
	var p showrun.NetworkExtractParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	raw, ok := in.State.Var(p.FromVar)
	if !ok {
		return &showrun.UnresolvedTemplateError{Expression: "vars." + p.FromVar}
	}
	body, ok := raw.(string)
	if !ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("step %q: vars.%s is not extractable", step.ID, p.FromVar)
		}
		body = string(encoded)
	}

	value, err := extractBody(body, p.As, p.JSONPath)
	if err != nil {
		return fmt.Errorf("step %q: %w", step.ID, err)
	}
	if len(p.Transform) > 0 {
		value, err = applyTransform(value, p.Transform)
		if err != nil {
			return fmt.Errorf("step %q: %w", step.ID, err)
		}
	}
	in.State.SetCollectible(p.Out, value)
	return nil
}

// applyTransform maps each output field through its JMESPath. Arrays are
// transformed per element; a single object is transformed once.
func applyTransform(value any, transform map[string]string) (any, error) {
	if arr, ok := value.([]any); ok {
		out := make([]any, len(arr))
		for i, el := range arr {
			t, err := transformOne(el, transform)
			if err != nil {
				return nil, err
			}
			out[i] = t
		}
		return out, nil
	}
	return transformOne(value, transform)
}

func transformOne(el any, transform map[string]string) (any, error) {
	out := make(map[string]any, len(transform))
	for field, path := range transform {
		v, err := jmespath.Search(path, el)
		if err != nil {
			return nil, fmt.Errorf("transform %q: %v", field, err)
		}
		out[field] = v
	}
	return out, nil
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
