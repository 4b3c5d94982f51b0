// Package browser defines the controller capability the engine drives:
// sessions, pages, locators, network event taps, and an in-context fetch
// primitive for browser-context replay. The engine never assumes a
// concrete provider; the rod subpackage implements this contract with
// go-rod, and tests script a fake.
package browser

import (
	"context"
	"time"
)

// Load states / waitUntil values.
const (
	WaitLoad             = "load"
	WaitDOMContentLoaded = "domcontentloaded"
	WaitNetworkIdle      = "networkidle"
	WaitCommit           = "commit"
)

// LaunchOptions configure a new session.
type LaunchOptions struct {
	Headless   bool
	ProfileDir string // persistent browser storage; empty for ephemeral
	ProxyURL   string // full proxy URL including credentials, or empty
}

// Launcher creates sessions. The orchestrator receives one by injection.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

// RequestEvent is emitted when the browser issues a request.
type RequestEvent struct {
	ID           string
	Method       string
	URL          string
	ResourceType string
	Headers      map[string]string
	PostData     string
	At           time.Time
}

// ResponseEvent is emitted when response headers arrive for a request.
type ResponseEvent struct {
	RequestID   string
	Status      int
	Headers     map[string]string
	ContentType string
}

// NetworkTap receives the session's network event stream. The capture
// service implements it. HandleResponseBody may arrive well after
// HandleResponse — bodies are read asynchronously.
type NetworkTap interface {
	HandleRequest(ev RequestEvent)
	HandleResponse(ev ResponseEvent)
	HandleResponseBody(requestID string, body []byte)
}

// Session is one browser instance with its tabs.
type Session interface {
	// NewPage opens a tab, optionally navigating to url.
	NewPage(ctx context.Context, url string) (Page, error)
	// Pages returns the open tabs in creation order.
	Pages() []Page
	// AttachNetwork subscribes tap to all network traffic of the session.
	AttachNetwork(tap NetworkTap) error
	Close() error
}

// Query selects elements declaratively. Exactly one selection field group
// is set; the resolver builds queries from flow targets.
type Query struct {
	Kind     string // css | text | role | label | placeholder | altText | testId
	Selector string
	Text     string
	Role     string
	Name     string // accessible name for role queries
	Exact    bool
	TestID   string
}

// FetchRequest is an HTTP request issued from the page's network context,
// so cookies and TLS session state apply.
type FetchRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// FetchResponse is the result of a browser-context fetch.
type FetchResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Page is one tab (or an iframe scope inside one).
type Page interface {
	Goto(ctx context.Context, url, waitUntil string) error
	WaitForURL(ctx context.Context, substring string) error
	WaitForLoadState(ctx context.Context, state string) error
	URL() string
	Title(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Locator(q Query) Locator
	// Frame scopes further queries to the iframe matched by selector or name.
	Frame(ctx context.Context, selector, name string) (Page, error)
	// Fetch issues a request through the page's network context.
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
	Close() error
}

// Locator is a lazy element query. Methods that touch the DOM take a
// context whose deadline is the step timeout.
type Locator interface {
	Count(ctx context.Context) (int, error)
	First() Locator
	Nth(i int) Locator
	// Within narrows the query to descendants of this locator's first match.
	Within(q Query) Locator
	// Parent selects the immediate parent of the first match.
	Parent() Locator

	Click(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	// Type appends value with human-like keystrokes, without clearing.
	Type(ctx context.Context, value string) error
	SelectOption(ctx context.Context, value, label string) error
	Press(ctx context.Context, key string) error
	SetFiles(ctx context.Context, paths ...string) error

	Text(ctx context.Context) (string, error)
	AllTexts(ctx context.Context) ([]string, error)
	Attribute(ctx context.Context, name string) (string, bool, error)
	AllAttributes(ctx context.Context, name string) ([]string, error)
	HTML(ctx context.Context) (string, error)
	IsVisible(ctx context.Context) (bool, error)
	WaitVisible(ctx context.Context) error
}
