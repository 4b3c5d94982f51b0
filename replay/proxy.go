package replay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/showrun/showrun"
)

// ProxyConfig is the resolved proxy request: credentials from engine config,
// routing preferences from the pack.
type ProxyConfig struct {
	Username string
	Password string
	Country  string // ISO country code, optional
	Sticky   bool   // hold one exit IP for the session
	Minutes  int    // sticky session lifetime, provider-dependent
}

// ProxyProvider turns a ProxyConfig into a full proxy URL with credentials.
type ProxyProvider func(cfg ProxyConfig) (string, error)

var (
	proxyMu        sync.RWMutex
	proxyProviders = map[string]ProxyProvider{}
)

// RegisterProxyProvider installs a named provider. Later registrations with
// the same name win.
func RegisterProxyProvider(name string, p ProxyProvider) {
	proxyMu.Lock()
	defer proxyMu.Unlock()
	proxyProviders[name] = p
}

// BuildProxyURL resolves a provider by name and builds the proxy URL.
// A misconfigured provider or incomplete credentials come back as a
// *showrun.ValidationError.
func BuildProxyURL(provider string, cfg ProxyConfig) (string, error) {
	proxyMu.RLock()
	p, ok := proxyProviders[provider]
	proxyMu.RUnlock()
	if !ok {
		return "", &showrun.ValidationError{Errors: []string{fmt.Sprintf("unknown proxy provider %q", provider)}}
	}
	return p(cfg)
}

func init() {
	RegisterProxyProvider("oxylabs", oxylabsProxy)
}

// oxylabsProxy builds a residential proxy URL in Oxylabs' username format:
// customer-<user>[-cc-<CC>][-sessid-<hex>-sesstime-<minutes>].
func oxylabsProxy(cfg ProxyConfig) (string, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return "", &showrun.ValidationError{Errors: []string{"oxylabs proxy requires username and password"}}
	}
	user := "customer-" + cfg.Username
	if cfg.Country != "" {
		user += "-cc-" + strings.ToUpper(cfg.Country)
	}
	if cfg.Sticky {
		minutes := cfg.Minutes
		if minutes <= 0 {
			minutes = 10
		}
		user += fmt.Sprintf("-sessid-%s-sesstime-%d", randomSessionID(), minutes)
	}
	return fmt.Sprintf("http://%s:%s@pr.oxylabs.io:7777",
		url.QueryEscape(user), url.QueryEscape(cfg.Password)), nil
}

func randomSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b[:])
}
