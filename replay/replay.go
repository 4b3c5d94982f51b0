// Package replay re-issues captured requests, either through the live
// browser's network context or through the engine's own HTTP client, after
// applying declarative overrides. Override order is fixed: templates resolve
// first so regex patterns and query values see final text, then URL rewrite,
// then explicit URL, then query merge; bodies go templating, regex rewrite,
// explicit body.
package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/browser"
	"github.com/showrun/showrun/capture"
)

const (
	// MaxVerbatimBody is the largest response body returned untruncated.
	MaxVerbatimBody = 256 * 1024
	// TruncatedBodyKeep is how much of an oversized body survives.
	TruncatedBodyKeep = 2 * 1024
	// TruncationMarker is appended to a truncated body.
	TruncationMarker = "\n...[truncated]"

	defaultTimeout = 30 * time.Second
)

// Request is the mutable request a replay starts from, seeded from the
// capture buffer's raw replay record.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Response is the outcome of a replay, body already bounded.
type Response struct {
	Status      int
	Headers     map[string]string
	Body        string
	ContentType string
	Truncated   bool
}

// FromCapture seeds a Request from a raw replay record.
func FromCapture(rd *capture.ReplayData) Request {
	headers := make(map[string]string, len(rd.Headers))
	for k, v := range rd.Headers {
		headers[k] = v
	}
	return Request{Method: rd.Method, URL: rd.URL, Headers: headers, Body: rd.PostData}
}

// ApplyOverrides mutates req per the override block. Template expressions in
// override values resolve against tc before any regex or merge runs.
// Sensitive header names in setHeaders abort with a typed error.
func ApplyOverrides(req *Request, ov *showrun.Overrides, tc *showrun.TemplateContext) error {
	if ov == nil {
		return nil
	}

	// URL pipeline: templating, regex rewrite, explicit override, query merge.
	if ov.URLReplace != nil {
		find, err := showrun.ResolveString(ov.URLReplace.Find, tc)
		if err != nil {
			return err
		}
		repl, err := showrun.ResolveString(ov.URLReplace.ReplaceWith, tc)
		if err != nil {
			return err
		}
		re, err := regexp.Compile(find)
		if err != nil {
			return &showrun.ReplayError{Reason: fmt.Sprintf("urlReplace pattern: %v", err)}
		}
		req.URL = re.ReplaceAllString(req.URL, repl)
	}
	if ov.URL != "" {
		u, err := showrun.ResolveString(ov.URL, tc)
		if err != nil {
			return err
		}
		req.URL = u
	}
	if len(ov.SetQuery) > 0 {
		if err := mergeQuery(req, ov.SetQuery, tc); err != nil {
			return err
		}
	}

	// Body pipeline: templating, regex rewrite, explicit override.
	if ov.BodyReplace != nil {
		find, err := showrun.ResolveString(ov.BodyReplace.Find, tc)
		if err != nil {
			return err
		}
		repl, err := showrun.ResolveString(ov.BodyReplace.ReplaceWith, tc)
		if err != nil {
			return err
		}
		re, err := regexp.Compile(find)
		if err != nil {
			return &showrun.ReplayError{Reason: fmt.Sprintf("bodyReplace pattern: %v", err)}
		}
		req.Body = re.ReplaceAllString(req.Body, repl)
	}
	if ov.Body != nil {
		b, err := showrun.ResolveString(*ov.Body, tc)
		if err != nil {
			return err
		}
		req.Body = b
	}

	for name, value := range ov.SetHeaders {
		if showrun.IsSensitiveHeader(name) {
			return &showrun.SensitiveHeaderError{Header: strings.ToLower(name)}
		}
		v, err := showrun.ResolveString(value, tc)
		if err != nil {
			return err
		}
		req.Headers[name] = v
	}
	return nil
}

func mergeQuery(req *Request, setQuery map[string]string, tc *showrun.TemplateContext) error {
	u, err := url.Parse(req.URL)
	if err != nil {
		return &showrun.ReplayError{Reason: fmt.Sprintf("parse url for setQuery: %v", err)}
	}
	q := u.Query()
	for k, v := range setQuery {
		resolved, err := showrun.ResolveString(v, tc)
		if err != nil {
			return err
		}
		q.Set(k, resolved)
	}
	u.RawQuery = q.Encode()
	req.URL = u.String()
	return nil
}

// Engine issues replays. HTTPClient and Proxy apply only to pure-HTTP
// replay; browser-context replay inherits the session's network stack.
type Engine struct {
	HTTPClient *http.Client
	ProxyURL   string
	Timeout    time.Duration
}

func (e *Engine) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return defaultTimeout
}

// ReplayBrowser issues req through the page's network context, so the
// session's cookies and TLS state apply. This is the authoritative path.
func (e *Engine) ReplayBrowser(ctx context.Context, page browser.Page, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	var body []byte
	if req.Body != "" {
		body = []byte(req.Body)
	}
	res, err := page.Fetch(ctx, browser.FetchRequest{
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
		Body:    body,
	})
	if err != nil {
		return nil, &showrun.ReplayError{Reason: showrun.Redact(err.Error())}
	}
	return boundResponse(res.Status, res.Headers, res.Body), nil
}

// ReplayHTTP issues req with the engine's HTTP client. content-length is
// stripped (overrides may have changed the body length) and recomputed by
// the transport.
func (e *Engine) ReplayHTTP(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = bytes.NewReader([]byte(req.Body))
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, &showrun.ReplayError{Reason: showrun.Redact(err.Error())}
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "content-length") {
			continue
		}
		hr.Header.Set(k, v)
	}

	client := e.client()
	res, err := client.Do(hr)
	if err != nil {
		return nil, &showrun.ReplayError{Reason: showrun.Redact(err.Error())}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, MaxVerbatimBody+1))
	if err != nil {
		return nil, &showrun.ReplayError{Reason: showrun.Redact(err.Error())}
	}
	headers := make(map[string]string, len(res.Header))
	for k := range res.Header {
		headers[k] = res.Header.Get(k)
	}
	return boundResponse(res.StatusCode, headers, raw), nil
}

func (e *Engine) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	transport := http.DefaultTransport
	if e.ProxyURL != "" {
		if proxyURL, err := url.Parse(e.ProxyURL); err == nil {
			base, ok := http.DefaultTransport.(*http.Transport)
			if ok {
				t := base.Clone()
				t.Proxy = http.ProxyURL(proxyURL)
				transport = t
			}
		}
	}
	return &http.Client{Transport: transport, Timeout: e.timeout()}
}

// boundResponse applies the size bound: bodies at or under MaxVerbatimBody
// pass through; larger bodies keep the first TruncatedBodyKeep bytes plus a
// marker.
func boundResponse(status int, headers map[string]string, body []byte) *Response {
	r := &Response{Status: status, Headers: headers}
	for k, v := range headers {
		if strings.EqualFold(k, "content-type") {
			r.ContentType = v
		}
	}
	if len(body) <= MaxVerbatimBody {
		r.Body = string(body)
		return r
	}
	r.Body = string(body[:TruncatedBodyKeep]) + TruncationMarker
	r.Truncated = true
	return r
}
