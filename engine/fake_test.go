package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/showrun/showrun/browser"
)

// The fakes below script a browser session deterministically: pages hold a
// static element table keyed by query, locators replay it, and Fetch is a
// plain function hook.

type fakeLauncher struct {
	session   *fakeSession
	launchErr error

	mu       sync.Mutex
	lastOpts browser.LaunchOptions
	launches int
}

func (l *fakeLauncher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	l.mu.Lock()
	l.lastOpts = opts
	l.launches++
	l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	if l.session == nil {
		l.session = newFakeSession(newFakePage("about:blank"))
	}
	return l.session, nil
}

type fakeSession struct {
	mu     sync.Mutex
	pages  []*fakePage
	queue  []*fakePage // extra pages handed out by NewPage after the first
	tap    browser.NetworkTap
	closed bool
}

func newFakeSession(first *fakePage, extra ...*fakePage) *fakeSession {
	return &fakeSession{queue: append([]*fakePage{first}, extra...)}
}

func (s *fakeSession) NewPage(ctx context.Context, url string) (browser.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p *fakePage
	if len(s.queue) > 0 {
		p = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		p = newFakePage(url)
	}
	if url != "" {
		p.url = url
	}
	s.pages = append(s.pages, p)
	return p, nil
}

func (s *fakeSession) Pages() []browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]browser.Page, len(s.pages))
	for i, p := range s.pages {
		out[i] = p
	}
	return out
}

func (s *fakeSession) AttachNetwork(tap browser.NetworkTap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tap = tap
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeElement is one scripted DOM node.
type fakeElement struct {
	text       string
	parentText string
	html       string
	attrs      map[string]string
	visible    bool

	clicks   int
	filled   string
	typed    string
	pressed  string
	selected string
	files    []string
}

type fakePage struct {
	url     string
	title   string
	content string

	// elements maps a rendered query to its matches.
	elements map[string][]*fakeElement
	frames   map[string]*fakePage

	fetchFn func(req browser.FetchRequest) (*browser.FetchResponse, error)

	gotoCalls []string
	closed    bool
}

func newFakePage(url string) *fakePage {
	return &fakePage{
		url:      url,
		elements: map[string][]*fakeElement{},
		frames:   map[string]*fakePage{},
	}
}

func queryKey(q browser.Query) string {
	switch q.Kind {
	case "css":
		return "css:" + q.Selector
	case "text":
		return "text:" + q.Text
	case "role":
		return "role:" + q.Role + ":" + q.Name
	case "label":
		return "label:" + q.Text
	case "placeholder":
		return "placeholder:" + q.Text
	case "altText":
		return "altText:" + q.Text
	case "testId":
		return "testId:" + q.TestID
	}
	return "?"
}

func (p *fakePage) add(key string, els ...*fakeElement) {
	p.elements[key] = append(p.elements[key], els...)
}

func (p *fakePage) Goto(ctx context.Context, url, waitUntil string) error {
	p.gotoCalls = append(p.gotoCalls, url+" "+waitUntil)
	p.url = url
	return nil
}

func (p *fakePage) WaitForURL(ctx context.Context, substring string) error {
	if containsURL(p.url, substring) {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePage) WaitForLoadState(ctx context.Context, state string) error { return nil }
func (p *fakePage) URL() string                                              { return p.url }
func (p *fakePage) Title(ctx context.Context) (string, error)                { return p.title, nil }
func (p *fakePage) Content(ctx context.Context) (string, error)              { return p.content, nil }
func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("png"), nil
}

func (p *fakePage) Locator(q browser.Query) browser.Locator {
	return &fakeLocator{page: p, key: queryKey(q), elems: p.elements[queryKey(q)]}
}

func (p *fakePage) Frame(ctx context.Context, selector, name string) (browser.Page, error) {
	key := selector
	if key == "" {
		key = name
	}
	if f, ok := p.frames[key]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("no frame %q", key)
}

func (p *fakePage) Fetch(ctx context.Context, req browser.FetchRequest) (*browser.FetchResponse, error) {
	if p.fetchFn == nil {
		return nil, errors.New("fetch not scripted")
	}
	return p.fetchFn(req)
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

type fakeLocator struct {
	page  *fakePage
	key   string
	elems []*fakeElement
}

func (l *fakeLocator) Count(ctx context.Context) (int, error) { return len(l.elems), nil }

func (l *fakeLocator) First() browser.Locator {
	if len(l.elems) == 0 {
		return l
	}
	return &fakeLocator{page: l.page, key: l.key, elems: l.elems[:1]}
}

func (l *fakeLocator) Nth(i int) browser.Locator {
	if i >= len(l.elems) {
		return &fakeLocator{page: l.page, key: l.key}
	}
	return &fakeLocator{page: l.page, key: l.key, elems: l.elems[i : i+1]}
}

func (l *fakeLocator) Within(q browser.Query) browser.Locator {
	key := l.key + " " + queryKey(q)
	return &fakeLocator{page: l.page, key: key, elems: l.page.elements[key]}
}

func (l *fakeLocator) Parent() browser.Locator {
	if len(l.elems) == 0 {
		return &fakeLocator{page: l.page}
	}
	return &fakeLocator{page: l.page, elems: []*fakeElement{{text: l.elems[0].parentText}}}
}

func (l *fakeLocator) one() (*fakeElement, error) {
	if len(l.elems) == 0 {
		return nil, errors.New("locator matched nothing")
	}
	return l.elems[0], nil
}

func (l *fakeLocator) Click(ctx context.Context) error {
	e, err := l.one()
	if err != nil {
		return err
	}
	e.clicks++
	return nil
}

func (l *fakeLocator) Fill(ctx context.Context, value string) error {
	e, err := l.one()
	if err != nil {
		return err
	}
	e.filled = value
	return nil
}

func (l *fakeLocator) Type(ctx context.Context, value string) error {
	e, err := l.one()
	if err != nil {
		return err
	}
	e.typed += value
	return nil
}

func (l *fakeLocator) SelectOption(ctx context.Context, value, label string) error {
	e, err := l.one()
	if err != nil {
		return err
	}
	e.selected = value + label
	return nil
}

func (l *fakeLocator) Press(ctx context.Context, key string) error {
	e, err := l.one()
	if err != nil {
		return err
	}
	e.pressed = key
	return nil
}

func (l *fakeLocator) SetFiles(ctx context.Context, paths ...string) error {
	e, err := l.one()
	if err != nil {
		return err
	}
	e.files = paths
	return nil
}

func (l *fakeLocator) Text(ctx context.Context) (string, error) {
	e, err := l.one()
	if err != nil {
		return "", err
	}
	return e.text, nil
}

func (l *fakeLocator) AllTexts(ctx context.Context) ([]string, error) {
	out := make([]string, len(l.elems))
	for i, e := range l.elems {
		out[i] = e.text
	}
	return out, nil
}

func (l *fakeLocator) Attribute(ctx context.Context, name string) (string, bool, error) {
	e, err := l.one()
	if err != nil {
		return "", false, err
	}
	v, ok := e.attrs[name]
	return v, ok, nil
}

func (l *fakeLocator) AllAttributes(ctx context.Context, name string) ([]string, error) {
	out := make([]string, len(l.elems))
	for i, e := range l.elems {
		out[i] = e.attrs[name]
	}
	return out, nil
}

func (l *fakeLocator) HTML(ctx context.Context) (string, error) {
	e, err := l.one()
	if err != nil {
		return "", err
	}
	return e.html, nil
}

func (l *fakeLocator) IsVisible(ctx context.Context) (bool, error) {
	e, err := l.one()
	if err != nil {
		return false, nil
	}
	return e.visible, nil
}

func (l *fakeLocator) WaitVisible(ctx context.Context) error {
	if e, err := l.one(); err == nil && e.visible {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

var (
	_ browser.Launcher = (*fakeLauncher)(nil)
	_ browser.Session  = (*fakeSession)(nil)
	_ browser.Page     = (*fakePage)(nil)
	_ browser.Locator  = (*fakeLocator)(nil)
)
