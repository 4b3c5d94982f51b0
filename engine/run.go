package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/browser"
	"github.com/showrun/showrun/capture"
	"github.com/showrun/showrun/replay"
	"github.com/showrun/showrun/resultstore"
	"github.com/showrun/showrun/snapshot"
)

// RunOptions configure one run.
type RunOptions struct {
	RunDir    string
	Logger    *slog.Logger
	Tracer    showrun.Tracer
	Headless  bool
	ProfileID string
	Secrets   map[string]string // overrides the pack's .secrets.json when set

	// Launcher provides the browser. Tests inject a fake; production wires
	// the rod implementation.
	Launcher browser.Launcher

	// Results, when set, receives the run's collectibles fire-and-forget.
	Results resultstore.Provider

	// ProxyProvider and Proxy supply upstream proxy credentials from engine
	// config. A proxy is only applied when the pack opts in via its
	// browser.proxy block; the pack's country and mode preferences are
	// merged into the credentials per run.
	ProxyProvider string
	Proxy         replay.ProxyConfig

	// SnapshotMaxAge is the staleness threshold for HTTP-only eligibility.
	// Zero disables age-based staleness.
	SnapshotMaxAge time.Duration

	// DisableHTTPMode forces the browser path even when snapshots qualify.
	DisableHTTPMode bool
}

// RunMeta summarizes a finished run.
type RunMeta struct {
	URL           string   `json:"url,omitempty"`
	DurationMs    int64    `json:"durationMs"`
	StepsExecuted int      `json:"stepsExecuted"`
	StepsTotal    int      `json:"stepsTotal"`
	Notes         []string `json:"notes,omitempty"`
}

// RunResult is the engine's answer for one run.
type RunResult struct {
	Collectibles map[string]any `json:"collectibles"`
	Meta         RunMeta        `json:"meta"`
	ResultKey    string         `json:"_resultKey,omitempty"`
	EventsPath   string         `json:"-"`
	ArtifactsDir string         `json:"-"`
}

// RunTaskPack validates, decides the run mode, drives the interpreter, and
// materializes the result. The context is the run's abort signal.
func RunTaskPack(ctx context.Context, pack *showrun.TaskPack, inputs map[string]any, opts RunOptions) (*RunResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	started := time.Now()

	if err := showrun.ValidateFlow(pack.Flow); err != nil {
		return nil, err
	}
	if err := showrun.ValidateInputs(inputs, pack.Inputs); err != nil {
		return nil, err
	}
	inputs = showrun.ApplyDefaults(inputs, pack.Inputs)

	secrets := opts.Secrets
	if secrets == nil && pack.Dir != "" {
		loaded, err := showrun.LoadSecrets(pack.Dir)
		if err != nil {
			return nil, err
		}
		secrets = loaded
	}

	events, err := showrun.NewEventWriter(filepath.Join(opts.RunDir, "events.jsonl"))
	if err != nil {
		return nil, err
	}
	defer events.Close()
	artifactsDir := filepath.Join(opts.RunDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, &showrun.OperationalError{Op: "create artifacts dir", Err: err}
	}

	state := NewRunState(inputs, secrets)
	monitor, err := monitorFor(pack)
	if err != nil {
		return nil, err
	}
	state.Monitor = monitor
	state.Once = onceCacheFor(pack, opts.ProfileID)

	snaps, err := snapshot.Load(ctx, pack.Dir)
	if err != nil {
		logger.Warn("snapshots unreadable, staying in browser mode", "error", err)
		snaps = nil
	}
	if snaps != nil && !opts.DisableHTTPMode {
		if ok, reason := snapshot.IsFlowHTTPCompatible(pack.Flow, snaps, opts.SnapshotMaxAge, time.Now()); ok {
			state.Mode = ModeHTTP
			state.AddNote("http-only mode")
		} else if reason != "" {
			logger.Debug("browser mode", "reason", reason)
		}
	}

	proxyURL, err := resolveProxyURL(pack, opts)
	if err != nil {
		return nil, err
	}

	events.Emit(showrun.EventRunStarted, map[string]any{
		"packId": pack.ID, "mode": state.Mode, "stepsTotal": len(pack.Flow),
	})
	logger.Info("run started", "pack", pack.ID, "mode", state.Mode)

	interp := &Interpreter{
		Pack:      pack,
		State:     state,
		Events:    events,
		Logger:    logger,
		Tracer:    opts.Tracer,
		Replay:    &replay.Engine{ProxyURL: proxyURL},
		Snapshots: snaps,
	}

	if state.Mode == ModeBrowser {
		if opts.Launcher == nil {
			return nil, &showrun.OperationalError{Op: "start browser", Err: fmt.Errorf("no launcher configured")}
		}
		session, err := opts.Launcher.Launch(ctx, browser.LaunchOptions{
			Headless:   opts.Headless,
			ProfileDir: profileDirFor(pack, opts.ProfileID),
			ProxyURL:   proxyURL,
		})
		if err != nil {
			events.Emit(showrun.EventError, map[string]any{"error": showrun.RedactError(err), "fatal": true})
			return nil, err
		}
		defer func() {
			state.Once.ClearSession()
			_ = session.Close()
		}()

		state.Session = session
		state.Capture = capture.New()
		if err := session.AttachNetwork(&monitoredTap{
			next: state.Capture, state: state, events: events,
		}); err != nil {
			return nil, err
		}
		page, err := session.NewPage(ctx, "")
		if err != nil {
			return nil, err
		}
		state.Page = page
		state.Tabs = []browser.Page{page}

		if ok := checkAuthGuard(ctx, pack, page); ok {
			state.AddNote("auth guard satisfied")
		}
		if snaps == nil {
			interp.Snapshots = &snapshot.File{Snapshots: map[string]*snapshot.RequestSnapshot{}}
		}
		interp.RecordSnapshots = true
	}

	runErr := interp.Run(ctx)
	if runErr != nil {
		if ctx.Err() != nil {
			events.Emit(showrun.EventRunAborted, map[string]any{"lastStep": state.CurrentStepID})
			logger.Warn("run aborted", "pack", pack.ID, "lastStep", state.CurrentStepID)
			return nil, runErr
		}
		captureFailureArtifacts(state, artifactsDir, logger)
		events.Emit(showrun.EventError, map[string]any{
			"step": state.CurrentStepID, "error": showrun.RedactError(runErr), "fatal": true,
		})
		events.Emit(showrun.EventRunFinished, map[string]any{"success": false})
		return nil, runErr
	}

	// Persist fresh snapshots gathered along the way.
	if interp.RecordSnapshots && interp.Snapshots != nil && len(interp.Snapshots.Snapshots) > 0 && pack.Dir != "" {
		if err := snapshot.Save(ctx, pack.Dir, interp.Snapshots); err != nil {
			logger.Warn("snapshot save failed", "error", err)
		}
	}

	result := &RunResult{
		Collectibles: state.Collectibles(pack.CollectibleNames()),
		Meta: RunMeta{
			DurationMs:    time.Since(started).Milliseconds(),
			StepsExecuted: state.StepsExecuted,
			StepsTotal:    len(pack.Flow),
			Notes:         state.Notes,
		},
		EventsPath:   filepath.Join(opts.RunDir, "events.jsonl"),
		ArtifactsDir: artifactsDir,
	}
	if state.Page != nil {
		result.Meta.URL = showrun.Redact(state.Page.URL())
	}

	if opts.Results != nil {
		key, err := resultstore.GenerateResultKey(pack.ID, inputs)
		if err == nil {
			result.ResultKey = key
			storeResult(pack, key, inputs, result, opts.Results, logger)
		}
	}

	events.Emit(showrun.EventRunFinished, map[string]any{
		"success": true, "stepsExecuted": state.StepsExecuted,
	})
	logger.Info("run finished", "pack", pack.ID,
		"steps", state.StepsExecuted, "duration", time.Since(started))
	return result, nil
}

// resolveProxyURL honors the pack's browser.proxy block. Packs that do not
// opt in go direct even when the engine has proxy credentials configured;
// packs that do contribute their country and session-mode preferences.
func resolveProxyURL(pack *showrun.TaskPack, opts RunOptions) (string, error) {
	if pack.Browser == nil || pack.Browser.Proxy == nil || !pack.Browser.Proxy.Enabled {
		return "", nil
	}
	if opts.ProxyProvider == "" || opts.Proxy.Username == "" {
		return "", &showrun.OperationalError{
			Op:  "resolve proxy",
			Err: fmt.Errorf("pack %s enables a proxy but no proxy credentials are configured", pack.ID),
		}
	}
	cfg := opts.Proxy
	cfg.Country = pack.Browser.Proxy.Country
	cfg.Sticky = pack.Browser.Proxy.Mode == "session"
	return replay.BuildProxyURL(opts.ProxyProvider, cfg)
}

func monitorFor(pack *showrun.TaskPack) (*showrun.AuthFailureMonitor, error) {
	var policy *showrun.AuthPolicy
	if pack.Auth != nil {
		policy = pack.Auth.Policy
	}
	return showrun.NewAuthFailureMonitor(policy)
}

func onceCacheFor(pack *showrun.TaskPack, profileID string) *showrun.OnceCache {
	if pack.Dir == "" {
		return showrun.NewOnceCache("")
	}
	return showrun.NewOnceCache(filepath.Join(profileDirFor(pack, profileID), "once"))
}

func profileDirFor(pack *showrun.TaskPack, profileID string) string {
	if pack.Dir == "" {
		return ""
	}
	name := ".browser-profile"
	if profileID != "" {
		name += "-" + profileID
	}
	return filepath.Join(pack.Dir, name)
}

// checkAuthGuard is the proactive logged-in probe: the guard holds iff the
// configured selector is visible (short bounded wait) or the URL contains
// the substring.
func checkAuthGuard(ctx context.Context, pack *showrun.TaskPack, page browser.Page) bool {
	if pack.Auth == nil || pack.Auth.Guard == nil {
		return false
	}
	g := pack.Auth.Guard
	if g.URLIncludes != "" && containsURL(page.URL(), g.URLIncludes) {
		return true
	}
	if g.VisibleSelector != "" {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		visible, err := page.Locator(browser.Query{Kind: "css", Selector: g.VisibleSelector}).IsVisible(probeCtx)
		return err == nil && visible
	}
	return false
}

// captureFailureArtifacts writes error.png and error.html on a fatal step
// failure. Best effort; a dead page must not mask the original error.
func captureFailureArtifacts(state *RunState, artifactsDir string, logger *slog.Logger) {
	if state.Page == nil {
		return
	}
	artCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if png, err := state.Page.Screenshot(artCtx); err == nil {
		if werr := os.WriteFile(filepath.Join(artifactsDir, "error.png"), png, 0o644); werr != nil {
			logger.Debug("error screenshot not written", "error", werr)
		}
	}
	if html, err := state.Page.Content(artCtx); err == nil {
		if werr := os.WriteFile(filepath.Join(artifactsDir, "error.html"), []byte(html), 0o644); werr != nil {
			logger.Debug("error html not written", "error", werr)
		}
	}
}

// storeResult persists collectibles fire-and-forget: the caller's summary
// never waits on the provider, _resultKey is the authoritative handle.
func storeResult(pack *showrun.TaskPack, key string, inputs map[string]any, result *RunResult, provider resultstore.Provider, logger *slog.Logger) {
	schema := make([]resultstore.Field, len(pack.Collectibles))
	for i, c := range pack.Collectibles {
		schema[i] = resultstore.Field{Name: c.Name, Type: c.Type, Description: c.Description}
	}
	stored := resultstore.StoredResult{
		Key:               key,
		PackID:            pack.ID,
		ToolName:          "run_" + pack.ID,
		Inputs:            inputs,
		Collectibles:      result.Collectibles,
		CollectibleSchema: schema,
		Meta: map[string]any{
			"durationMs":    result.Meta.DurationMs,
			"stepsExecuted": result.Meta.StepsExecuted,
			"stepsTotal":    result.Meta.StepsTotal,
			"notes":         result.Meta.Notes,
			"url":           result.Meta.URL,
		},
		RanAt: time.Now().UTC(),
	}
	go func() {
		storeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := provider.Store(storeCtx, stored); err != nil {
			logger.Warn("result store failed", "key", key, "error", err)
		}
	}()
}

// monitoredTap forwards the network stream to the capture buffer and feeds
// response statuses to the auth monitor.
type monitoredTap struct {
	next   *capture.Service
	state  *RunState
	events *showrun.EventWriter

	mu   sync.Mutex
	urls map[string]string
}

func (t *monitoredTap) HandleRequest(ev browser.RequestEvent) {
	t.mu.Lock()
	if t.urls == nil {
		t.urls = make(map[string]string)
	}
	t.urls[ev.ID] = ev.URL
	t.mu.Unlock()
	t.next.HandleRequest(ev)
}

func (t *monitoredTap) HandleResponse(ev browser.ResponseEvent) {
	t.next.HandleResponse(ev)
	m := t.state.Monitor
	if m == nil {
		return
	}
	t.mu.Lock()
	url := t.urls[ev.RequestID]
	t.mu.Unlock()
	if m.IsAuthFailure(url, ev.Status) {
		m.RecordFailure(url, ev.Status, t.state.CurrentStepID)
		t.events.Emit(showrun.EventAuthFailureDetected, map[string]any{
			"step": t.state.CurrentStepID, "status": ev.Status, "url": showrun.Redact(url),
		})
	}
}

func (t *monitoredTap) HandleResponseBody(requestID string, body []byte) {
	t.next.HandleResponseBody(requestID, body)
}
