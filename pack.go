// Package showrun executes declarative browser-automation flows ("task
// packs"): JSON documents describing an ordered sequence of steps —
// navigation, DOM interaction, extraction, captured-network replay, and
// assertions — parameterized by typed inputs and producing named outputs
// (collectibles).
//
// The root package holds the pack model, structural validation, the
// templating engine, and the run-scoped state primitives. Subpackages
// implement the services: capture (network observation), replay, snapshot,
// versions, resultstore, browser (the controller capability), and engine
// (the step interpreter and run orchestrator).
package showrun

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// PackKind is the only manifest kind the engine accepts.
const PackKind = "json-dsl"

// Manifest file names inside a pack directory.
const (
	ManifestFile  = "taskpack.json"
	FlowFile      = "flow.json"
	SecretsFile   = ".secrets.json"
	SnapshotsFile = ".snapshots.json"
)

var packIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// TaskPack is the unit of work: manifest plus flow, loaded from a pack
// directory.
type TaskPack struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Version      string        `json:"version"`
	Kind         string        `json:"kind"`
	Description  string        `json:"description,omitempty"`
	Inputs       InputSchema   `json:"inputs,omitempty"`
	Collectibles []Collectible `json:"collectibles,omitempty"`
	Flow         []Step        `json:"flow"`
	Auth         *AuthConfig   `json:"auth,omitempty"`
	Browser      *BrowserConf  `json:"browser,omitempty"`
	Secrets      []SecretDef   `json:"secrets,omitempty"`

	// Dir is the directory the pack was loaded from. Empty for packs built
	// in memory.
	Dir string `json:"-"`
}

// Collectible declares a named output slot. Only declared names survive to
// the final RunResult.
type Collectible struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// SecretDef declares a secret the flow may reference as {{secret.NAME}}.
// Values live in .secrets.json, never in the manifest.
type SecretDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AuthConfig groups the auth-resilience settings of a pack.
type AuthConfig struct {
	Policy *AuthPolicy `json:"policy,omitempty"`
	Guard  *AuthGuard  `json:"guard,omitempty"`
}

// AuthPolicy configures the auth-failure monitor. Zero values take the
// documented defaults (enabled, statuses 401/403, one recovery per run).
type AuthPolicy struct {
	Enabled                   *bool    `json:"enabled,omitempty"`
	StatusCodes               []int    `json:"statusCodes,omitempty"`
	URLIncludes               []string `json:"urlIncludes,omitempty"`
	URLRegex                  string   `json:"urlRegex,omitempty"`
	LoginURLIncludes          []string `json:"loginUrlIncludes,omitempty"`
	MaxRecoveriesPerRun       *int     `json:"maxRecoveriesPerRun,omitempty"`
	MaxStepRetryAfterRecovery *int     `json:"maxStepRetryAfterRecovery,omitempty"`
	CooldownMs                int      `json:"cooldownMs,omitempty"`
}

// AuthGuard is the proactive logged-in check: the strategy holds iff the
// selector is visible or the current URL contains the substring.
type AuthGuard struct {
	VisibleSelector string `json:"visibleSelector,omitempty"`
	URLIncludes     string `json:"urlIncludes,omitempty"`
}

// BrowserConf holds per-pack browser settings.
type BrowserConf struct {
	Proxy *ProxyConf `json:"proxy,omitempty"`
}

// ProxyConf selects an upstream proxy for browser traffic and pure-HTTP
// replay. The provider and its credentials come from the environment.
type ProxyConf struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode,omitempty"`    // "session" or "random"
	Country string `json:"country,omitempty"` // ISO-2 uppercase
}

// flowFile is the on-disk shape of flow.json.
type flowFile struct {
	Inputs       InputSchema   `json:"inputs,omitempty"`
	Collectibles []Collectible `json:"collectibles,omitempty"`
	Flow         []Step        `json:"flow"`
}

// LoadPack reads taskpack.json and flow.json from dir and merges them into
// a TaskPack. Inputs and collectibles declared in flow.json extend (and on
// name collision override) the manifest's declarations.
func LoadPack(dir string) (*TaskPack, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, &OperationalError{Op: "read " + ManifestFile, Err: err}
	}
	var pack TaskPack
	if err := json.Unmarshal(data, &pack); err != nil {
		return nil, &ValidationError{Errors: []string{fmt.Sprintf("%s: %v", ManifestFile, err)}}
	}
	if err := checkManifest(&pack); err != nil {
		return nil, err
	}

	data, err = os.ReadFile(filepath.Join(dir, FlowFile))
	if err != nil {
		return nil, &OperationalError{Op: "read " + FlowFile, Err: err}
	}
	var ff flowFile
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, &ValidationError{Errors: []string{fmt.Sprintf("%s: %v", FlowFile, err)}}
	}
	pack.Flow = ff.Flow
	if len(ff.Inputs) > 0 {
		if pack.Inputs == nil {
			pack.Inputs = InputSchema{}
		}
		for name, f := range ff.Inputs {
			pack.Inputs[name] = f
		}
	}
	if len(ff.Collectibles) > 0 {
		pack.Collectibles = mergeCollectibles(pack.Collectibles, ff.Collectibles)
	}

	pack.Dir = dir
	return &pack, nil
}

// checkManifest validates the manifest-level fields that gate loading.
// Flow-level validation is ValidateFlow's job.
func checkManifest(p *TaskPack) error {
	var errs []string
	if p.ID == "" {
		errs = append(errs, "manifest: missing id")
	} else if !packIDPattern.MatchString(p.ID) {
		errs = append(errs, fmt.Sprintf("manifest: id %q must match %s", p.ID, packIDPattern.String()))
	}
	if p.Name == "" {
		errs = append(errs, "manifest: missing name")
	}
	if p.Version == "" {
		errs = append(errs, "manifest: missing version")
	}
	if p.Kind != PackKind {
		errs = append(errs, fmt.Sprintf("manifest: kind %q is not supported (want %q)", p.Kind, PackKind))
	}
	if p.Browser != nil && p.Browser.Proxy != nil {
		if m := p.Browser.Proxy.Mode; m != "" && m != "session" && m != "random" {
			errs = append(errs, fmt.Sprintf("manifest: browser.proxy.mode %q is not supported (want session or random)", m))
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func mergeCollectibles(base, extra []Collectible) []Collectible {
	byName := make(map[string]int, len(base))
	out := make([]Collectible, len(base))
	copy(out, base)
	for i, c := range out {
		byName[c.Name] = i
	}
	for _, c := range extra {
		if i, ok := byName[c.Name]; ok {
			out[i] = c
			continue
		}
		byName[c.Name] = len(out)
		out = append(out, c)
	}
	return out
}

// CollectibleNames returns the declared output names in declaration order.
func (p *TaskPack) CollectibleNames() []string {
	names := make([]string, len(p.Collectibles))
	for i, c := range p.Collectibles {
		names[i] = c.Name
	}
	return names
}
