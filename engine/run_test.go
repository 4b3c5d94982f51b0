package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/replay"
	"github.com/showrun/showrun/resultstore"
	"github.com/showrun/showrun/snapshot"
)

func browserPack(t *testing.T) *showrun.TaskPack {
	t.Helper()
	return &showrun.TaskPack{
		ID:      "hn-top",
		Name:    "HN Top",
		Version: "1",
		Kind:    showrun.PackKind,
		Dir:     t.TempDir(),
		Collectibles: []showrun.Collectible{
			{Name: "title", Type: "string"},
		},
		Flow: []showrun.Step{
			mkStep("open", showrun.StepNavigate, `{"url": "https://news.ycombinator.com"}`),
			mkStep("title", showrun.StepExtractTitle, `{"out": "title"}`),
		},
	}
}

func TestRunTaskPackBrowser(t *testing.T) {
	pack := browserPack(t)
	page := newFakePage("about:blank")
	page.title = "Hacker News"
	launcher := &fakeLauncher{session: newFakeSession(page)}
	runDir := t.TempDir()

	result, err := RunTaskPack(context.Background(), pack, map[string]any{}, RunOptions{
		RunDir:   runDir,
		Launcher: launcher,
		Results:  resultstore.NewMemory(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.Collectibles["title"] != "Hacker News" {
		t.Errorf("collectibles = %v", result.Collectibles)
	}
	if result.Meta.StepsExecuted != 2 || result.Meta.StepsTotal != 2 {
		t.Errorf("meta = %+v", result.Meta)
	}
	if result.Meta.URL != "https://news.ycombinator.com" {
		t.Errorf("meta url = %q", result.Meta.URL)
	}
	if len(result.ResultKey) != 16 {
		t.Errorf("result key = %q", result.ResultKey)
	}

	if !launcher.session.closed {
		t.Error("session not closed after the run")
	}
	if !strings.Contains(launcher.lastOpts.ProfileDir, ".browser-profile") {
		t.Errorf("profile dir = %q", launcher.lastOpts.ProfileDir)
	}

	if _, err := os.Stat(filepath.Join(runDir, "events.jsonl")); err != nil {
		t.Errorf("events file missing: %v", err)
	}
	if _, err := os.Stat(result.ArtifactsDir); err != nil {
		t.Errorf("artifacts dir missing: %v", err)
	}
}

func TestRunTaskPackProfileID(t *testing.T) {
	pack := browserPack(t)
	launcher := &fakeLauncher{session: newFakeSession(newFakePage("about:blank"))}

	_, err := RunTaskPack(context.Background(), pack, map[string]any{}, RunOptions{
		RunDir:    t.TempDir(),
		Launcher:  launcher,
		ProfileID: "work",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(launcher.lastOpts.ProfileDir, ".browser-profile-work") {
		t.Errorf("profile dir = %q", launcher.lastOpts.ProfileDir)
	}
}

func TestRunTaskPackProxyOptIn(t *testing.T) {
	pack := browserPack(t)
	pack.Browser = &showrun.BrowserConf{Proxy: &showrun.ProxyConf{
		Enabled: true,
		Mode:    "session",
		Country: "de",
	}}
	launcher := &fakeLauncher{session: newFakeSession(newFakePage("about:blank"))}

	_, err := RunTaskPack(context.Background(), pack, map[string]any{}, RunOptions{
		RunDir:        t.TempDir(),
		Launcher:      launcher,
		ProxyProvider: "oxylabs",
		Proxy:         replay.ProxyConfig{Username: "alice", Password: "pw"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The pack's country and session mode flow into the launch proxy URL.
	re := regexp.MustCompile(`^http://customer-alice-cc-DE-sessid-[0-9a-f]{16}-sesstime-\d+:pw@pr\.oxylabs\.io:7777$`)
	if !re.MatchString(launcher.lastOpts.ProxyURL) {
		t.Errorf("launch proxy url = %q", launcher.lastOpts.ProxyURL)
	}
}

func TestRunTaskPackProxyRequiresOptIn(t *testing.T) {
	// Credentials configured, but the pack has no browser.proxy block:
	// the run goes direct.
	pack := browserPack(t)
	launcher := &fakeLauncher{session: newFakeSession(newFakePage("about:blank"))}

	_, err := RunTaskPack(context.Background(), pack, map[string]any{}, RunOptions{
		RunDir:        t.TempDir(),
		Launcher:      launcher,
		ProxyProvider: "oxylabs",
		Proxy:         replay.ProxyConfig{Username: "alice", Password: "pw"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if launcher.lastOpts.ProxyURL != "" {
		t.Errorf("run must go direct without a pack opt-in, got %q", launcher.lastOpts.ProxyURL)
	}
}

func TestRunTaskPackProxyMissingCredentials(t *testing.T) {
	pack := browserPack(t)
	pack.Browser = &showrun.BrowserConf{Proxy: &showrun.ProxyConf{Enabled: true}}
	launcher := &fakeLauncher{session: newFakeSession(newFakePage("about:blank"))}

	_, err := RunTaskPack(context.Background(), pack, map[string]any{}, RunOptions{
		RunDir:   t.TempDir(),
		Launcher: launcher,
	})
	var oe *showrun.OperationalError
	if !errors.As(err, &oe) {
		t.Fatalf("want OperationalError, got %v", err)
	}
	if !strings.Contains(err.Error(), "no proxy credentials") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestRunTaskPackValidation(t *testing.T) {
	pack := browserPack(t)
	pack.Flow = []showrun.Step{mkStep("", showrun.StepNavigate, `{"url": "https://x.test"}`)}

	_, err := RunTaskPack(context.Background(), pack, map[string]any{}, RunOptions{RunDir: t.TempDir()})
	var ve *showrun.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestRunTaskPackInputValidation(t *testing.T) {
	pack := browserPack(t)
	pack.Inputs = showrun.InputSchema{"query": {Type: "string", Required: true}}

	_, err := RunTaskPack(context.Background(), pack, map[string]any{}, RunOptions{RunDir: t.TempDir()})
	var ie *showrun.InputError
	if !errors.As(err, &ie) {
		t.Fatalf("want InputError, got %v", err)
	}
}

func TestRunTaskPackNoLauncher(t *testing.T) {
	pack := browserPack(t)
	_, err := RunTaskPack(context.Background(), pack, map[string]any{}, RunOptions{RunDir: t.TempDir()})
	var oe *showrun.OperationalError
	if !errors.As(err, &oe) {
		t.Fatalf("want OperationalError, got %v", err)
	}
}

func TestRunTaskPackHTTPOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"stories": [{"title": "a"}, {"title": "b"}]}`))
	}))
	defer srv.Close()

	params := `{
		"requestId": "{{vars.rid}}",
		"out": "stories",
		"response": {"as": "json", "jsonPath": "stories"}
	}`
	pack := &showrun.TaskPack{
		ID:      "hn-top",
		Name:    "HN Top",
		Version: "1",
		Kind:    showrun.PackKind,
		Dir:     t.TempDir(),
		Collectibles: []showrun.Collectible{
			{Name: "stories", Type: "array"},
		},
		Flow: []showrun.Step{mkStep("replay", showrun.StepNetworkReplay, params)},
	}

	hash, err := snapshot.ParamsHash(json.RawMessage(params))
	if err != nil {
		t.Fatal(err)
	}
	snaps := &snapshot.File{Snapshots: map[string]*snapshot.RequestSnapshot{
		"replay": {
			StepID:     "replay",
			CapturedAt: time.Now().UTC().Add(-time.Hour),
			Method:     "GET",
			URL:        srv.URL + "/api/stories",
			Response:   snapshot.ResponseShape{Status: 200},
			ParamsHash: hash,
		},
	}}
	if err := snapshot.Save(context.Background(), pack.Dir, snaps); err != nil {
		t.Fatal(err)
	}

	// No launcher: an HTTP-only run never touches the browser.
	result, err := RunTaskPack(context.Background(), pack, map[string]any{}, RunOptions{
		RunDir:         t.TempDir(),
		SnapshotMaxAge: snapshot.DefaultMaxAge,
	})
	if err != nil {
		t.Fatal(err)
	}

	stories, _ := result.Collectibles["stories"].([]any)
	if len(stories) != 2 {
		t.Errorf("stories = %v", result.Collectibles)
	}
	found := false
	for _, note := range result.Meta.Notes {
		if note == "http-only mode" {
			found = true
		}
	}
	if !found {
		t.Errorf("notes = %v", result.Meta.Notes)
	}
}

func TestRunTaskPackDisableHTTPMode(t *testing.T) {
	// Same qualifying snapshots, but the override forces the browser path,
	// which fails fast without a launcher.
	params := `{"requestId": "{{vars.rid}}", "saveAs": "raw"}`
	pack := &showrun.TaskPack{
		ID: "p", Name: "P", Version: "1", Kind: showrun.PackKind,
		Dir:  t.TempDir(),
		Flow: []showrun.Step{mkStep("replay", showrun.StepNetworkReplay, params)},
	}
	hash, _ := snapshot.ParamsHash(json.RawMessage(params))
	snaps := &snapshot.File{Snapshots: map[string]*snapshot.RequestSnapshot{
		"replay": {StepID: "replay", CapturedAt: time.Now().UTC(), ParamsHash: hash},
	}}
	if err := snapshot.Save(context.Background(), pack.Dir, snaps); err != nil {
		t.Fatal(err)
	}

	_, err := RunTaskPack(context.Background(), pack, map[string]any{}, RunOptions{
		RunDir:          t.TempDir(),
		DisableHTTPMode: true,
	})
	var oe *showrun.OperationalError
	if !errors.As(err, &oe) {
		t.Fatalf("want the browser-path launcher error, got %v", err)
	}
}

func TestRunTaskPackAborted(t *testing.T) {
	pack := browserPack(t)
	pack.Flow = append(pack.Flow, mkStep("pause", showrun.StepSleep, `{"durationMs": 60000}`))
	launcher := &fakeLauncher{session: newFakeSession(newFakePage("about:blank"))}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := RunTaskPack(ctx, pack, map[string]any{}, RunOptions{
		RunDir:   t.TempDir(),
		Launcher: launcher,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline error, got %v", err)
	}
}
