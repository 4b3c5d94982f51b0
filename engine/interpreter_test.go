package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/browser"
	"github.com/showrun/showrun/capture"
	"github.com/showrun/showrun/replay"
	"github.com/showrun/showrun/snapshot"
)

func mkStep(id, typ, params string) showrun.Step {
	return showrun.Step{ID: id, Type: typ, Params: json.RawMessage(params)}
}

func newInterp(flow []showrun.Step, page *fakePage) *Interpreter {
	state := NewRunState(map[string]any{}, nil)
	state.Page = page
	if page != nil {
		state.Tabs = []browser.Page{page}
	}
	return &Interpreter{
		Pack:   &showrun.TaskPack{ID: "test", Flow: flow},
		State:  state,
		Replay: &replay.Engine{},
	}
}

func TestInterpreterBrowserFlow(t *testing.T) {
	page := newFakePage("about:blank")
	page.title = "Results"
	input := &fakeElement{visible: true}
	button := &fakeElement{visible: true}
	page.add("css:#q", input)
	page.add("css:#go", button)
	page.add("css:.row", &fakeElement{text: " first "}, &fakeElement{text: "second"})

	flow := []showrun.Step{
		mkStep("open", showrun.StepNavigate, `{"url": "https://x.test/search"}`),
		mkStep("query", showrun.StepFill, `{"target": "#q", "value": "golang"}`),
		mkStep("go", showrun.StepClick, `{"target": "#go"}`),
		mkStep("rows", showrun.StepExtractText, `{"target": ".row", "out": "rows", "first": false}`),
		mkStep("title", showrun.StepExtractTitle, `{"out": "title"}`),
		mkStep("mark", showrun.StepSetVar, `{"name": "done", "value": true}`),
		mkStep("check", showrun.StepAssert, `{"varEquals": {"name": "done", "value": true}}`),
	}
	in := newInterp(flow, page)

	if err := in.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if page.url != "https://x.test/search" {
		t.Errorf("url = %q", page.url)
	}
	if input.filled != "golang" {
		t.Errorf("filled = %q", input.filled)
	}
	if button.clicks != 1 {
		t.Errorf("clicks = %d", button.clicks)
	}
	rows, _ := in.State.Collectibles([]string{"rows", "title"})["rows"].([]any)
	if len(rows) != 2 || rows[0] != "first" || rows[1] != "second" {
		t.Errorf("rows = %v (trim expected)", rows)
	}
	if got := in.State.Collectibles([]string{"title"})["title"]; got != "Results" {
		t.Errorf("title = %v", got)
	}
	if in.State.StepsExecuted != len(flow) {
		t.Errorf("steps executed = %d", in.State.StepsExecuted)
	}
}

func TestInterpreterSkipReasons(t *testing.T) {
	t.Run("skip_if", func(t *testing.T) {
		el := &fakeElement{visible: true}
		page := newFakePage("https://x.test")
		page.add("css:#btn", el)
		flow := []showrun.Step{{
			ID: "maybe", Type: showrun.StepClick,
			SkipIf: &showrun.Condition{VarTruthy: "done"},
			Params: json.RawMessage(`{"target": "#btn"}`),
		}}
		in := newInterp(flow, page)
		in.State.SetVar("done", true)
		if err := in.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		if el.clicks != 0 || in.State.StepsExecuted != 0 {
			t.Errorf("skipped step ran (clicks=%d executed=%d)", el.clicks, in.State.StepsExecuted)
		}
	})

	t.Run("once", func(t *testing.T) {
		el := &fakeElement{visible: true}
		page := newFakePage("https://x.test")
		page.add("css:#login", el)
		flow := []showrun.Step{{
			ID: "login", Type: showrun.StepClick, Once: showrun.OnceSession,
			Params: json.RawMessage(`{"target": "#login"}`),
		}}
		in := newInterp(flow, page)
		in.State.Once = showrun.NewOnceCache("")

		if err := in.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		if el.clicks != 1 {
			t.Fatalf("first run clicks = %d", el.clicks)
		}
		// Second run with the same cache: the step is skipped.
		in2 := newInterp(flow, page)
		in2.State.Once = in.State.Once
		if err := in2.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		if el.clicks != 1 || in2.State.StepsExecuted != 0 {
			t.Errorf("once step reran (clicks=%d)", el.clicks)
		}
	})

	t.Run("http mode", func(t *testing.T) {
		flow := []showrun.Step{
			mkStep("open", showrun.StepNavigate, `{"url": "https://x.test"}`),
			mkStep("mark", showrun.StepSetVar, `{"name": "ran", "value": "yes"}`),
		}
		in := newInterp(flow, nil)
		in.State.Mode = ModeHTTP
		if err := in.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		if in.State.StepsExecuted != 1 {
			t.Errorf("executed = %d, want only set_var", in.State.StepsExecuted)
		}
		if v, _ := in.State.Var("ran"); v != "yes" {
			t.Errorf("set_var did not run in http mode: %v", v)
		}
	})
}

func TestExtractTextZeroMatch(t *testing.T) {
	page := newFakePage("https://x.test")
	flow := []showrun.Step{
		mkStep("a", showrun.StepExtractText, `{"target": ".missing", "out": "a", "default": "n/a"}`),
		mkStep("b", showrun.StepExtractText, `{"target": ".missing", "out": "b"}`),
	}
	in := newInterp(flow, page)
	if err := in.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := in.State.Collectibles([]string{"a", "b"})
	if got["a"] != "n/a" {
		t.Errorf("declared default not used: %v", got["a"])
	}
	if got["b"] != "" {
		t.Errorf("implicit default must be empty string: %v", got["b"])
	}
}

func TestAssertFailure(t *testing.T) {
	page := newFakePage("https://x.test/settings")
	flow := []showrun.Step{
		mkStep("where", showrun.StepAssert, `{"urlIncludes": "/dashboard", "message": "expected the dashboard"}`),
	}
	in := newInterp(flow, page)
	err := in.Run(context.Background())
	var ae *showrun.AssertionError
	if !errors.As(err, &ae) {
		t.Fatalf("want AssertionError, got %v", err)
	}
	if ae.StepID != "where" || ae.Message != "expected the dashboard" {
		t.Errorf("assertion = %+v", ae)
	}
}

func TestStepTimeout(t *testing.T) {
	// wait_for on an element that never appears blocks until the step
	// deadline fires.
	page := newFakePage("https://x.test")
	timeout := 30
	flow := []showrun.Step{{
		ID: "spinner", Type: showrun.StepWaitFor, TimeoutMs: &timeout,
		Params: json.RawMessage(`{"target": ".never"}`),
	}}
	in := newInterp(flow, page)
	err := in.Run(context.Background())
	var te *showrun.StepTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("want StepTimeoutError, got %v", err)
	}
	if te.StepID != "spinner" {
		t.Errorf("step = %q", te.StepID)
	}
}

func TestOptionalStepContinues(t *testing.T) {
	page := newFakePage("https://x.test")
	flow := []showrun.Step{
		{ID: "banner", Type: showrun.StepClick, Optional: true, Params: json.RawMessage(`{"target": "#dismiss"}`)},
		mkStep("mark", showrun.StepSetVar, `{"name": "after", "value": 1}`),
	}
	in := newInterp(flow, page)
	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("optional failure must not abort: %v", err)
	}
	if _, ok := in.State.Var("after"); !ok {
		t.Error("flow did not continue past the optional step")
	}
	if in.State.StepsExecuted != 1 {
		t.Errorf("executed = %d", in.State.StepsExecuted)
	}
}

func TestNetworkFindPick(t *testing.T) {
	page := newFakePage("https://x.test")
	in := newInterp(nil, page)
	in.State.Capture = capture.New()
	in.State.Capture.HandleRequest(browser.RequestEvent{ID: "req_old", Method: "GET", URL: "https://x.test/api/items", ResourceType: "xhr"})
	in.State.Capture.HandleRequest(browser.RequestEvent{ID: "req_new", Method: "GET", URL: "https://x.test/api/items", ResourceType: "xhr"})

	first := mkStep("find", showrun.StepNetworkFind, `{"where": {"urlIncludes": "/api/items"}, "saveAs": "rid"}`)
	if err := in.stepNetworkFind(context.Background(), &first); err != nil {
		t.Fatal(err)
	}
	if v, _ := in.State.Var("rid"); v != "req_old" {
		t.Errorf("default pick = %v, want oldest", v)
	}

	last := mkStep("find", showrun.StepNetworkFind, `{"where": {"urlIncludes": "/api/items"}, "saveAs": "rid", "pick": "last"}`)
	if err := in.stepNetworkFind(context.Background(), &last); err != nil {
		t.Fatal(err)
	}
	if v, _ := in.State.Var("rid"); v != "req_new" {
		t.Errorf("pick last = %v", v)
	}

	missing := mkStep("find", showrun.StepNetworkFind, `{"where": {"urlIncludes": "/nope"}, "saveAs": "rid"}`)
	err := in.stepNetworkFind(context.Background(), &missing)
	var nfe *showrun.NetworkFindError
	if !errors.As(err, &nfe) {
		t.Fatalf("want NetworkFindError, got %v", err)
	}
}

func TestNetworkReplayBrowser(t *testing.T) {
	page := newFakePage("https://x.test")
	var fetched browser.FetchRequest
	page.fetchFn = func(req browser.FetchRequest) (*browser.FetchResponse, error) {
		fetched = req
		return &browser.FetchResponse{
			Status:  200,
			Headers: map[string]string{"content-type": "application/json"},
			Body:    []byte(`{"items": [{"name": "a"}, {"name": "b"}]}`),
		}, nil
	}

	in := newInterp(nil, page)
	in.State.Capture = capture.New()
	in.State.Capture.HandleRequest(browser.RequestEvent{
		ID: "req_1", Method: "POST", URL: "https://x.test/api/search",
		ResourceType: "xhr", Headers: map[string]string{"Content-Type": "application/json"},
		PostData: `{"page":1}`,
	})
	in.State.SetVar("rid", "req_1")
	in.RecordSnapshots = true
	in.Snapshots = &snapshot.File{Snapshots: map[string]*snapshot.RequestSnapshot{}}

	step := mkStep("replay", showrun.StepNetworkReplay, `{
		"requestId": "{{vars.rid}}",
		"saveAs": "raw",
		"out": "names",
		"response": {"as": "json", "jsonPath": "items[].name"}
	}`)
	if err := in.stepNetworkReplay(context.Background(), &step); err != nil {
		t.Fatal(err)
	}

	if fetched.Method != "POST" || fetched.URL != "https://x.test/api/search" {
		t.Errorf("fetched = %+v", fetched)
	}
	if string(fetched.Body) != `{"page":1}` {
		t.Errorf("fetched body = %q", fetched.Body)
	}
	if v, _ := in.State.Var("raw"); v != `{"items": [{"name": "a"}, {"name": "b"}]}` {
		t.Errorf("saveAs = %v", v)
	}
	names, _ := in.State.Collectibles([]string{"names"})["names"].([]any)
	if len(names) != 2 || names[0] != "a" {
		t.Errorf("names = %v", names)
	}

	snap, ok := in.Snapshots.Snapshots["replay"]
	if !ok {
		t.Fatal("no snapshot recorded")
	}
	if snap.Method != "POST" || snap.Response.Status != 200 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestNetworkReplayEvicted(t *testing.T) {
	in := newInterp(nil, newFakePage("https://x.test"))
	in.State.Capture = capture.New()
	step := mkStep("replay", showrun.StepNetworkReplay, `{"requestId": "req_gone", "saveAs": "raw"}`)
	err := in.stepNetworkReplay(context.Background(), &step)
	var re *showrun.ReplayError
	if !errors.As(err, &re) {
		t.Fatalf("want ReplayError, got %v", err)
	}
	if re.RequestID != "req_gone" {
		t.Errorf("request id = %q", re.RequestID)
	}
}

func TestNetworkExtractTransform(t *testing.T) {
	in := newInterp(nil, nil)
	in.State.SetVar("raw", `{"data": [{"t": "x", "n": 3, "junk": 1}, {"t": "y", "n": 7}]}`)

	step := mkStep("shape", showrun.StepNetworkExtract, `{
		"fromVar": "raw",
		"jsonPath": "data",
		"out": "items",
		"transform": {"title": "t", "count": "n"}
	}`)
	if err := in.stepNetworkExtract(&step); err != nil {
		t.Fatal(err)
	}
	items, _ := in.State.Collectibles([]string{"items"})["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("items = %v", items)
	}
	first := items[0].(map[string]any)
	if first["title"] != "x" || first["count"] != float64(3) {
		t.Errorf("first = %v", first)
	}
	if _, ok := first["junk"]; ok {
		t.Error("transform must drop unmapped fields")
	}
}

func TestTabSteps(t *testing.T) {
	first := newFakePage("https://x.test/a")
	second := newFakePage("about:blank")
	session := newFakeSession(second)

	flow := []showrun.Step{
		mkStep("open", showrun.StepNewTab, `{"url": "https://x.test/b"}`),
		mkStep("back", showrun.StepSwitchTab, `{"index": 0}`),
	}
	in := newInterp(flow, first)
	in.State.Session = session

	if err := in.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if in.State.Page != first {
		t.Error("switch_tab did not restore the first tab")
	}
	if len(in.State.Tabs) != 2 {
		t.Errorf("tabs = %d", len(in.State.Tabs))
	}
	if second.url != "https://x.test/b" {
		t.Errorf("new tab url = %q", second.url)
	}

	bad := mkStep("bad", showrun.StepSwitchTab, `{"index": 5}`)
	if err := in.stepSwitchTab(&bad); err == nil {
		t.Error("out-of-range index must fail")
	}
}

func TestRetryStepCooldown(t *testing.T) {
	// Two attempts with a measurable cooldown between them.
	page := newFakePage("https://x.test")
	in := newInterp(nil, page)
	step := mkStep("click", showrun.StepClick, `{"target": "#later"}`)

	start := time.Now()
	err := in.retryStep(context.Background(), &step, 2, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected failure, target never exists")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("cooldown not applied, elapsed %v", elapsed)
	}
}
