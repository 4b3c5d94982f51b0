package showrun

import (
	"encoding/json"
	"fmt"
)

// Step types understood by the interpreter.
const (
	StepNavigate         = "navigate"
	StepWaitFor          = "wait_for"
	StepClick            = "click"
	StepFill             = "fill"
	StepExtractText      = "extract_text"
	StepExtractAttribute = "extract_attribute"
	StepExtractTitle     = "extract_title"
	StepSleep            = "sleep"
	StepAssert           = "assert"
	StepSetVar           = "set_var"
	StepNetworkFind      = "network_find"
	StepNetworkReplay    = "network_replay"
	StepNetworkExtract   = "network_extract"
	StepSelectOption     = "select_option"
	StepPressKey         = "press_key"
	StepDomScrape        = "dom_scrape"
	StepUploadFile       = "upload_file"
	StepFrame            = "frame"
	StepNewTab           = "new_tab"
	StepSwitchTab        = "switch_tab"
)

// OnError policies.
const (
	OnErrorStop     = "stop"
	OnErrorContinue = "continue"
)

// Once scopes.
const (
	OnceSession = "session"
	OnceProfile = "profile"
)

// DOMExtractionSteps are the step types that read the rendered DOM. A flow
// containing any of them can never run in HTTP-only mode.
var DOMExtractionSteps = map[string]bool{
	StepExtractText:      true,
	StepExtractTitle:     true,
	StepExtractAttribute: true,
	StepDomScrape:        true,
}

// HTTPSkippedSteps are the step types that are silently no-oped when a flow
// runs in HTTP-only mode.
var HTTPSkippedSteps = map[string]bool{
	StepNavigate:     true,
	StepClick:        true,
	StepFill:         true,
	StepSelectOption: true,
	StepPressKey:     true,
	StepUploadFile:   true,
	StepWaitFor:      true,
	StepAssert:       true,
	StepFrame:        true,
	StepNewTab:       true,
	StepSwitchTab:    true,
	StepNetworkFind:  true,
	StepDomScrape:    true,
}

// Step is one unit of execution. Params is kept raw; each step type decodes
// it into its own parameter struct on demand (the flow is dynamic-shape
// JSON and validation wants the authored key set, not a lossy decode).
type Step struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Label    string          `json:"label,omitempty"`
	TimeoutMs *int           `json:"timeoutMs,omitempty"`
	Optional bool            `json:"optional,omitempty"`
	OnError  string          `json:"onError,omitempty"`
	Once     string          `json:"once,omitempty"`
	SkipIf   *Condition      `json:"skip_if,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// DecodeParams unmarshals the step's raw params into dst.
func (s *Step) DecodeParams(dst any) error {
	if len(s.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.Params, dst); err != nil {
		return fmt.Errorf("step %q: decode %s params: %w", s.ID, s.Type, err)
	}
	return nil
}

// ParamKeys returns the authored top-level param names.
func (s *Step) ParamKeys() ([]string, error) {
	if len(s.Params) == 0 {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(s.Params, &m); err != nil {
		return nil, fmt.Errorf("step %q: params is not an object", s.ID)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys, nil
}

// --- Targets ---

// Target kinds.
const (
	TargetCSS         = "css"
	TargetText        = "text"
	TargetRole        = "role"
	TargetLabel       = "label"
	TargetPlaceholder = "placeholder"
	TargetAltText     = "altText"
	TargetTestID      = "testId"
)

// Target is the declarative element reference consumed by the resolver.
// Exactly one variant is populated; AnyOf wraps ordered fallbacks.
type Target struct {
	Kind     string   `json:"kind,omitempty"`
	Selector string   `json:"selector,omitempty"` // css
	Text     string   `json:"text,omitempty"`     // text, label, placeholder, altText
	Role     string   `json:"role,omitempty"`     // role
	Name     string   `json:"name,omitempty"`     // role accessible name
	ID       string   `json:"id,omitempty"`       // testId
	Exact    bool     `json:"exact,omitempty"`
	AnyOf    []Target `json:"anyOf,omitempty"`
}

// String renders the target for diagnostics.
func (t *Target) String() string {
	if t == nil {
		return "<nil>"
	}
	if len(t.AnyOf) > 0 {
		return fmt.Sprintf("anyOf(%d variants)", len(t.AnyOf))
	}
	switch t.Kind {
	case TargetCSS:
		return "css=" + t.Selector
	case TargetText:
		return "text=" + t.Text
	case TargetRole:
		if t.Name != "" {
			return fmt.Sprintf("role=%s[name=%s]", t.Role, t.Name)
		}
		return "role=" + t.Role
	case TargetLabel, TargetPlaceholder, TargetAltText:
		return t.Kind + "=" + t.Text
	case TargetTestID:
		return "testId=" + t.ID
	}
	return "unknown target"
}

// KnownRoles is the closed set accepted by role targets.
var KnownRoles = map[string]bool{
	"alert": true, "alertdialog": true, "article": true, "banner": true,
	"button": true, "cell": true, "checkbox": true, "columnheader": true,
	"combobox": true, "dialog": true, "figure": true, "form": true,
	"grid": true, "gridcell": true, "heading": true, "img": true,
	"link": true, "list": true, "listbox": true, "listitem": true,
	"main": true, "menu": true, "menubar": true, "menuitem": true,
	"navigation": true, "option": true, "progressbar": true, "radio": true,
	"region": true, "row": true, "rowheader": true, "search": true,
	"searchbox": true, "separator": true, "slider": true, "spinbutton": true,
	"switch": true, "tab": true, "table": true, "tablist": true,
	"tabpanel": true, "textbox": true, "toolbar": true, "tooltip": true,
	"tree": true, "treeitem": true,
}

// --- Per-type parameter structs ---

type targetedParams struct {
	Target   *Target `json:"target,omitempty"`
	Selector string  `json:"selector,omitempty"` // legacy css shorthand
	Scope    *Target `json:"scope,omitempty"`
	Near     *Target `json:"near,omitempty"`
	Hint     string  `json:"hint,omitempty"`
}

// EffectiveTarget upgrades a legacy selector field into a css Target.
func (p *targetedParams) EffectiveTarget() *Target {
	if p.Target != nil {
		return p.Target
	}
	if p.Selector != "" {
		return &Target{Kind: TargetCSS, Selector: p.Selector}
	}
	return nil
}

type NavigateParams struct {
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil,omitempty"`
}

type WaitForParams struct {
	targetedParams
	URL       string `json:"url,omitempty"`
	LoadState string `json:"loadState,omitempty"`
}

type ClickParams struct {
	targetedParams
	First *bool `json:"first,omitempty"`
}

type FillParams struct {
	targetedParams
	Value string `json:"value"`
	Clear *bool  `json:"clear,omitempty"`
}

type ExtractTextParams struct {
	targetedParams
	Out     string  `json:"out"`
	Trim    *bool   `json:"trim,omitempty"`
	First   *bool   `json:"first,omitempty"`
	Default *string `json:"default,omitempty"`
}

type ExtractAttributeParams struct {
	targetedParams
	Attribute string  `json:"attribute"`
	Out       string  `json:"out"`
	First     *bool   `json:"first,omitempty"`
	Default   *string `json:"default,omitempty"`
}

type ExtractTitleParams struct {
	Out string `json:"out"`
}

type SleepParams struct {
	DurationMs int `json:"durationMs"`
}

type AssertParams struct {
	targetedParams
	URLIncludes string     `json:"urlIncludes,omitempty"`
	URLMatches  string     `json:"urlMatches,omitempty"`
	TextPresent string     `json:"textPresent,omitempty"`
	Visible     *bool      `json:"visible,omitempty"`
	Exists      *bool      `json:"exists,omitempty"`
	VarEquals   *VarEquals `json:"varEquals,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// VarEquals compares a run variable against a literal.
type VarEquals struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type SetVarParams struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// NetworkWhere is the capture-search predicate of network_find.
type NetworkWhere struct {
	URLIncludes         string `json:"urlIncludes,omitempty"`
	URLRegex            string `json:"urlRegex,omitempty"`
	Method              string `json:"method,omitempty"`
	Status              *int   `json:"status,omitempty"`
	ContentTypeIncludes string `json:"contentTypeIncludes,omitempty"`
	ResponseContains    string `json:"responseContains,omitempty"`
}

type NetworkFindParams struct {
	Where          NetworkWhere `json:"where"`
	SaveAs         string       `json:"saveAs"`
	Pick           string       `json:"pick,omitempty"` // first | last
	WaitForMs      int          `json:"waitForMs,omitempty"`
	PollIntervalMs int          `json:"pollIntervalMs,omitempty"`
}

// FindReplace is a regex find with a literal replacement.
type FindReplace struct {
	Find        string `json:"find"`
	ReplaceWith string `json:"replaceWith"`
}

// Overrides mutate a captured request before replay. Templates inside every
// string field are resolved before the regexes run.
type Overrides struct {
	URLReplace  *FindReplace      `json:"urlReplace,omitempty"`
	URL         string            `json:"url,omitempty"`
	SetQuery    map[string]string `json:"setQuery,omitempty"`
	BodyReplace *FindReplace      `json:"bodyReplace,omitempty"`
	Body        *string           `json:"body,omitempty"`
	SetHeaders  map[string]string `json:"setHeaders,omitempty"`
}

// ReplayResponseSpec says how to extract the replay response into a
// collectible.
type ReplayResponseSpec struct {
	As       string `json:"as"` // json | text
	JSONPath string `json:"jsonPath,omitempty"`
}

type NetworkReplayParams struct {
	RequestID string              `json:"requestId"`
	Auth      string              `json:"auth"` // must be "browser_context"
	Out       string              `json:"out,omitempty"`
	SaveAs    string              `json:"saveAs,omitempty"`
	Response  *ReplayResponseSpec `json:"response,omitempty"`
	Overrides *Overrides          `json:"overrides,omitempty"`
}

type NetworkExtractParams struct {
	FromVar   string            `json:"fromVar"`
	As        string            `json:"as"` // json | text
	Out       string            `json:"out"`
	JSONPath  string            `json:"jsonPath,omitempty"`
	Transform map[string]string `json:"transform,omitempty"`
}

type SelectOptionParams struct {
	targetedParams
	Value string `json:"value,omitempty"`
	Label string `json:"label,omitempty"`
}

type PressKeyParams struct {
	targetedParams
	Key string `json:"key"`
}

// Dom scrape modes.
const (
	ScrapeReadable = "readable"
	ScrapeHTML     = "html"
	ScrapeText     = "text"
)

type DomScrapeParams struct {
	targetedParams
	Out  string `json:"out"`
	Mode string `json:"mode,omitempty"`
}

type UploadFileParams struct {
	targetedParams
	Path string `json:"path"`
}

type FrameParams struct {
	Selector string `json:"selector,omitempty"`
	Name     string `json:"name,omitempty"`
}

type NewTabParams struct {
	URL string `json:"url,omitempty"`
}

type SwitchTabParams struct {
	Index int `json:"index"`
}
