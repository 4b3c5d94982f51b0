// Package rod implements the browser.Controller capability with go-rod.
//
// Ordering matters for capture: the CDP Network domain is enabled and the
// event listeners are registered on each page before any navigation, so the
// tap sees every request the flow triggers.
package rod

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/showrun/showrun/browser"
)

// Launcher implements browser.Launcher with a locally launched Chromium.
type Launcher struct{}

// New returns a rod-backed launcher.
func New() *Launcher { return &Launcher{} }

// Launch starts a browser and connects to it.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	la := launcher.New().Headless(opts.Headless)
	if opts.ProfileDir != "" {
		la = la.UserDataDir(opts.ProfileDir)
	}
	if opts.ProxyURL != "" {
		la = la.Proxy(opts.ProxyURL)
	}
	u, err := la.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	return &session{browser: b}, nil
}

type session struct {
	browser *rod.Browser

	mu    sync.Mutex
	pages []*page
	tap   browser.NetworkTap
}

func (s *session) NewPage(ctx context.Context, url string) (browser.Page, error) {
	p, err := s.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	pg := &page{p: p, session: s}

	s.mu.Lock()
	s.pages = append(s.pages, pg)
	tap := s.tap
	s.mu.Unlock()

	if tap != nil {
		if err := pg.attachTap(tap); err != nil {
			return nil, err
		}
	}
	if url != "" {
		if err := pg.Goto(ctx, url, browser.WaitLoad); err != nil {
			return nil, err
		}
	}
	return pg, nil
}

func (s *session) Pages() []browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]browser.Page, len(s.pages))
	for i, p := range s.pages {
		out[i] = p
	}
	return out
}

// AttachNetwork registers the tap for all current and future pages.
func (s *session) AttachNetwork(tap browser.NetworkTap) error {
	s.mu.Lock()
	s.tap = tap
	pages := make([]*page, len(s.pages))
	copy(pages, s.pages)
	s.mu.Unlock()

	for _, p := range pages {
		if err := p.attachTap(tap); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) Close() error {
	return s.browser.Close()
}

type page struct {
	p       *rod.Page
	session *session
}

// attachTap enables the Network domain and streams request/response events
// into the tap. Response bodies are fetched asynchronously once loading
// finishes; failures to read a body are silent (redirects and opaque
// responses have none).
func (pg *page) attachTap(tap browser.NetworkTap) error {
	if err := (proto.NetworkEnable{}).Call(pg.p); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}
	go pg.p.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			tap.HandleRequest(browser.RequestEvent{
				ID:           string(e.RequestID),
				Method:       e.Request.Method,
				URL:          e.Request.URL,
				ResourceType: string(e.Type),
				Headers:      headerMap(e.Request.Headers),
				PostData:     postData(e),
				At:           time.Now(),
			})
		},
		func(e *proto.NetworkResponseReceived) {
			tap.HandleResponse(browser.ResponseEvent{
				RequestID:   string(e.RequestID),
				Status:      e.Response.Status,
				Headers:     headerMap(e.Response.Headers),
				ContentType: e.Response.MIMEType,
			})
		},
		func(e *proto.NetworkLoadingFinished) {
			id := e.RequestID
			go func() {
				res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(pg.p)
				if err != nil {
					return
				}
				body := []byte(res.Body)
				if res.Base64Encoded {
					if decoded, err := base64.StdEncoding.DecodeString(res.Body); err == nil {
						body = decoded
					}
				}
				tap.HandleResponseBody(string(id), body)
			}()
		},
	)()
	return nil
}

func headerMap(h proto.NetworkHeaders) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v.String()
	}
	return out
}

func postData(e *proto.NetworkRequestWillBeSent) string {
	if e.Request.PostData != "" {
		return e.Request.PostData
	}
	return ""
}

func (pg *page) Goto(ctx context.Context, url, waitUntil string) error {
	p := pg.p.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return waitState(p, waitUntil)
}

func waitState(p *rod.Page, state string) error {
	switch state {
	case browser.WaitCommit:
		return nil
	case browser.WaitDOMContentLoaded:
		return p.WaitDOMStable(300*time.Millisecond, 0)
	case browser.WaitNetworkIdle:
		return p.WaitIdle(30 * time.Second)
	default: // load
		return p.WaitLoad()
	}
}

func (pg *page) WaitForURL(ctx context.Context, substring string) error {
	p := pg.p.Context(ctx)
	for {
		info, err := p.Info()
		if err != nil {
			return err
		}
		if strings.Contains(info.URL, substring) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (pg *page) WaitForLoadState(ctx context.Context, state string) error {
	return waitState(pg.p.Context(ctx), state)
}

func (pg *page) URL() string {
	info, err := pg.p.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (pg *page) Title(ctx context.Context) (string, error) {
	info, err := pg.p.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (pg *page) Content(ctx context.Context) (string, error) {
	return pg.p.Context(ctx).HTML()
}

func (pg *page) Screenshot(ctx context.Context) ([]byte, error) {
	return pg.p.Context(ctx).Screenshot(false, nil)
}

func (pg *page) Locator(q browser.Query) browser.Locator {
	return &locator{page: pg, chain: []browser.Query{q}}
}

func (pg *page) Frame(ctx context.Context, selector, name string) (browser.Page, error) {
	sel := selector
	if sel == "" {
		sel = fmt.Sprintf(`iframe[name=%q]`, name)
	}
	el, err := pg.p.Context(ctx).Element(sel)
	if err != nil {
		return nil, fmt.Errorf("frame %q: %w", sel, err)
	}
	fp, err := el.Frame()
	if err != nil {
		return nil, fmt.Errorf("frame %q: %w", sel, err)
	}
	return &page{p: fp, session: pg.session}, nil
}

// fetchJS runs fetch() inside the page so cookies and TLS state apply.
const fetchJS = `async (req) => {
	const init = {method: req.method, headers: req.headers};
	if (req.body !== null && req.body !== undefined && req.method !== 'GET' && req.method !== 'HEAD') {
		init.body = req.body;
	}
	const res = await fetch(req.url, init);
	const headers = {};
	res.headers.forEach((v, k) => { headers[k] = v; });
	return {status: res.status, headers: headers, body: await res.text()};
}`

func (pg *page) Fetch(ctx context.Context, req browser.FetchRequest) (*browser.FetchResponse, error) {
	arg := map[string]any{
		"method":  req.Method,
		"url":     req.URL,
		"headers": req.Headers,
	}
	if req.Body != nil {
		arg["body"] = string(req.Body)
	} else {
		arg["body"] = nil
	}
	res, err := pg.p.Context(ctx).Evaluate(rod.Eval(fetchJS, arg).ByPromise())
	if err != nil {
		return nil, fmt.Errorf("browser-context fetch: %w", err)
	}
	out := &browser.FetchResponse{
		Status:  res.Value.Get("status").Int(),
		Headers: map[string]string{},
	}
	for k, v := range res.Value.Get("headers").Map() {
		out.Headers[k] = v.Str()
	}
	out.Body = []byte(res.Value.Get("body").Str())
	return out, nil
}

func (pg *page) Close() error {
	return pg.p.Close()
}

// --- locator ---

// locator resolves lazily: the query chain is evaluated on every call so
// actions always work against the live DOM.
type locator struct {
	page  *page
	chain []browser.Query
	index int // -1 = all, otherwise nth
	all   bool
}

func (l *locator) clone() *locator {
	c := *l
	c.chain = make([]browser.Query, len(l.chain))
	copy(c.chain, l.chain)
	return &c
}

func (l *locator) First() browser.Locator {
	c := l.clone()
	c.index = 0
	c.all = false
	return c
}

func (l *locator) Nth(i int) browser.Locator {
	c := l.clone()
	c.index = i
	c.all = false
	return c
}

func (l *locator) Within(q browser.Query) browser.Locator {
	c := l.clone()
	c.chain = append(c.chain, q)
	c.index = 0
	return c
}

func (l *locator) Parent() browser.Locator {
	c := l.clone()
	c.chain = append(c.chain, browser.Query{Kind: "parent"})
	return c
}

// resolve evaluates the query chain against the live page.
func (l *locator) resolve(ctx context.Context) (rod.Elements, error) {
	p := l.page.p.Context(ctx)
	var current rod.Elements
	for i, q := range l.chain {
		if q.Kind == "parent" {
			if len(current) == 0 {
				return nil, nil
			}
			parent, err := current[0].Parent()
			if err != nil {
				return nil, err
			}
			current = rod.Elements{parent}
			continue
		}
		if i == 0 {
			els, err := queryElements(p, nil, q)
			if err != nil {
				return nil, err
			}
			current = els
			continue
		}
		if len(current) == 0 {
			return nil, nil
		}
		els, err := queryElements(p, current[0], q)
		if err != nil {
			return nil, err
		}
		current = els
	}
	return current, nil
}

func (l *locator) element(ctx context.Context) (*rod.Element, error) {
	els, err := l.resolve(ctx)
	if err != nil {
		return nil, err
	}
	idx := l.index
	if idx < 0 {
		idx = 0
	}
	if idx >= len(els) {
		return nil, fmt.Errorf("element index %d out of %d matches", idx, len(els))
	}
	return els[idx], nil
}

func (l *locator) Count(ctx context.Context) (int, error) {
	els, err := l.resolve(ctx)
	if err != nil {
		return 0, err
	}
	return len(els), nil
}

func (l *locator) Click(ctx context.Context) error {
	el, err := l.element(ctx)
	if err != nil {
		return err
	}
	if err := el.ScrollIntoView(); err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (l *locator) Fill(ctx context.Context, value string) error {
	el, err := l.element(ctx)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}

func (l *locator) Type(ctx context.Context, value string) error {
	el, err := l.element(ctx)
	if err != nil {
		return err
	}
	return el.Input(value)
}

func (l *locator) SelectOption(ctx context.Context, value, label string) error {
	el, err := l.element(ctx)
	if err != nil {
		return err
	}
	if value != "" {
		return el.Select([]string{fmt.Sprintf(`option[value=%q]`, value)}, true, rod.SelectorTypeCSSSector)
	}
	return el.Select([]string{label}, true, rod.SelectorTypeText)
}

func (l *locator) Press(ctx context.Context, key string) error {
	el, err := l.element(ctx)
	if err != nil {
		return err
	}
	if err := el.Focus(); err != nil {
		return err
	}
	k, ok := keyByName(key)
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	return l.page.p.Context(ctx).Keyboard.Press(k)
}

func (l *locator) SetFiles(ctx context.Context, paths ...string) error {
	el, err := l.element(ctx)
	if err != nil {
		return err
	}
	return el.SetFiles(paths)
}

func (l *locator) Text(ctx context.Context) (string, error) {
	el, err := l.element(ctx)
	if err != nil {
		return "", err
	}
	return el.Text()
}

func (l *locator) AllTexts(ctx context.Context) ([]string, error) {
	els, err := l.resolve(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(els))
	for _, el := range els {
		t, err := el.Text()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (l *locator) Attribute(ctx context.Context, name string) (string, bool, error) {
	el, err := l.element(ctx)
	if err != nil {
		return "", false, err
	}
	v, err := el.Attribute(name)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (l *locator) AllAttributes(ctx context.Context, name string) ([]string, error) {
	els, err := l.resolve(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(els))
	for _, el := range els {
		v, err := el.Attribute(name)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out = append(out, *v)
		} else {
			out = append(out, "")
		}
	}
	return out, nil
}

func (l *locator) HTML(ctx context.Context) (string, error) {
	el, err := l.element(ctx)
	if err != nil {
		return "", err
	}
	return el.HTML()
}

func (l *locator) IsVisible(ctx context.Context) (bool, error) {
	els, err := l.resolve(ctx)
	if err != nil || len(els) == 0 {
		return false, err
	}
	return els[0].Visible()
}

func (l *locator) WaitVisible(ctx context.Context) error {
	for {
		visible, err := l.IsVisible(ctx)
		if err == nil && visible {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func keyByName(name string) (input.Key, bool) {
	switch strings.ToLower(name) {
	case "enter":
		return input.Enter, true
	case "tab":
		return input.Tab, true
	case "escape", "esc":
		return input.Escape, true
	case "backspace":
		return input.Backspace, true
	case "arrowdown":
		return input.ArrowDown, true
	case "arrowup":
		return input.ArrowUp, true
	case "arrowleft":
		return input.ArrowLeft, true
	case "arrowright":
		return input.ArrowRight, true
	case "space", " ":
		return input.Space, true
	}
	if len(name) == 1 {
		return input.Key(name[0]), true
	}
	return 0, false
}
