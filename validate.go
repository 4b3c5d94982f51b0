package showrun

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ResponseContainsMax caps the network_find responseContains predicate.
const ResponseContainsMax = 2000

// MinPollIntervalMs is the floor for network_find polling.
const MinPollIntervalMs = 100

var validMethods = map[string]bool{"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true}
var validWaitUntil = map[string]bool{"load": true, "domcontentloaded": true, "networkidle": true, "commit": true}
var validLoadStates = validWaitUntil

// allowedParams lists the accepted param names per step type. Unknown names
// on known types are rejected; unknown types are rejected as a whole and
// their params are not inspected.
var allowedParams = map[string][]string{
	StepNavigate:         {"url", "waitUntil"},
	StepWaitFor:          {"target", "selector", "url", "loadState", "scope", "near", "hint"},
	StepClick:            {"target", "selector", "first", "scope", "near", "hint"},
	StepFill:             {"target", "selector", "value", "clear", "scope", "near", "hint"},
	StepExtractText:      {"target", "selector", "out", "trim", "first", "default", "scope", "near", "hint"},
	StepExtractAttribute: {"target", "selector", "attribute", "out", "first", "default", "scope", "near", "hint"},
	StepExtractTitle:     {"out"},
	StepSleep:            {"durationMs"},
	StepAssert:           {"urlIncludes", "urlMatches", "textPresent", "target", "selector", "visible", "exists", "varEquals", "message", "scope", "near", "hint"},
	StepSetVar:           {"name", "value"},
	StepNetworkFind:      {"where", "saveAs", "pick", "waitForMs", "pollIntervalMs"},
	StepNetworkReplay:    {"requestId", "auth", "out", "saveAs", "response", "overrides"},
	StepNetworkExtract:   {"fromVar", "as", "out", "jsonPath", "transform"},
	StepSelectOption:     {"target", "selector", "value", "label", "scope", "near", "hint"},
	StepPressKey:         {"key", "target", "selector", "scope", "near", "hint"},
	StepDomScrape:        {"out", "target", "selector", "mode", "scope", "near", "hint"},
	StepUploadFile:       {"target", "selector", "path", "scope", "near", "hint"},
	StepFrame:            {"selector", "name"},
	StepNewTab:           {"url"},
	StepSwitchTab:        {"index"},
}

// ValidateFlow checks the flow structurally and returns the first violation
// as a single ValidationError, or nil. Use CollectFlowErrors to gather the
// full list.
func ValidateFlow(flow []Step) error {
	errs := CollectFlowErrors(flow)
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs[:1]}
}

// CollectFlowErrors validates every step and returns one message per
// structural violation, in flow order.
func CollectFlowErrors(flow []Step) []string {
	var errs []string
	seen := make(map[string]int, len(flow))
	for i := range flow {
		step := &flow[i]
		add := func(format string, args ...any) {
			errs = append(errs, stepPrefix(i, step)+fmt.Sprintf(format, args...))
		}
		if step.ID == "" {
			add("missing id")
		} else if prev, dup := seen[step.ID]; dup {
			add("duplicate id (also used by step %d)", prev)
		} else {
			seen[step.ID] = i
		}
		if step.TimeoutMs != nil && *step.TimeoutMs < 0 {
			add("timeoutMs must be >= 0")
		}
		if step.OnError != "" && step.OnError != OnErrorStop && step.OnError != OnErrorContinue {
			add("onError must be %q or %q", OnErrorStop, OnErrorContinue)
		}
		if step.Once != "" && step.Once != OnceSession && step.Once != OnceProfile {
			add("once must be %q or %q", OnceSession, OnceProfile)
		}
		if step.SkipIf != nil {
			if err := step.SkipIf.Validate(); err != nil {
				add("%v", err)
			}
		}

		allowed, known := allowedParams[step.Type]
		if step.Type == "" {
			add("missing type")
			continue
		}
		if !known {
			add("unknown step type %q", step.Type)
			continue
		}
		validateParamKeys(step, allowed, add)
		validateStepParams(step, add)
	}
	return errs
}

func stepPrefix(i int, s *Step) string {
	id, typ := s.ID, s.Type
	if id == "" {
		id = "?"
	}
	if typ == "" {
		typ = "?"
	}
	return fmt.Sprintf("Step %d (id=%q, type=%q): ", i, id, typ)
}

func validateParamKeys(step *Step, allowed []string, add func(string, ...any)) {
	keys, err := step.ParamKeys()
	if err != nil {
		add("%v", err)
		return
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	sort.Strings(keys)
	for _, k := range keys {
		if allowedSet[k] {
			continue
		}
		if step.Type == StepExtractText && (k == "eval" || k == "expression" || k == "transform") {
			add("unknown param %q; extract_text reads DOM text only — to reshape extracted data, replay the request with network_replay and use network_extract with a jsonPath (JMESPath) expression", k)
			continue
		}
		add("unknown param %q (allowed: %s)", k, strings.Join(allowed, ", "))
	}
}

func validateStepParams(step *Step, add func(string, ...any)) {
	switch step.Type {
	case StepNavigate:
		var p NavigateParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.URL == "" {
			add("missing required param \"url\"")
		}
		if p.WaitUntil != "" && !validWaitUntil[p.WaitUntil] {
			add("waitUntil must be one of load, domcontentloaded, networkidle, commit")
		}
	case StepWaitFor:
		var p WaitForParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		set := 0
		if p.EffectiveTarget() != nil {
			set++
		}
		if p.URL != "" {
			set++
		}
		if p.LoadState != "" {
			set++
		}
		if set == 0 {
			add("requires one of target, selector, url, loadState")
		}
		if set > 1 {
			add("target/selector, url, and loadState are mutually exclusive")
		}
		if p.LoadState != "" && !validLoadStates[p.LoadState] {
			add("loadState must be one of load, domcontentloaded, networkidle, commit")
		}
		validateTargets(&p.targetedParams, add)
	case StepClick:
		var p ClickParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.EffectiveTarget() == nil {
			add("missing required param \"target\" (or \"selector\")")
		}
		validateTargets(&p.targetedParams, add)
	case StepFill:
		var p FillParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.EffectiveTarget() == nil {
			add("missing required param \"target\" (or \"selector\")")
		}
		if !paramPresent(step, "value") {
			add("missing required param \"value\"")
		}
		validateTargets(&p.targetedParams, add)
	case StepExtractText:
		var p ExtractTextParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.EffectiveTarget() == nil {
			add("missing required param \"target\" (or \"selector\")")
		}
		if p.Out == "" {
			add("missing required param \"out\"")
		}
		validateTargets(&p.targetedParams, add)
	case StepExtractAttribute:
		var p ExtractAttributeParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.EffectiveTarget() == nil {
			add("missing required param \"target\" (or \"selector\")")
		}
		if p.Attribute == "" {
			add("missing required param \"attribute\"")
		}
		if p.Out == "" {
			add("missing required param \"out\"")
		}
		validateTargets(&p.targetedParams, add)
	case StepExtractTitle:
		var p ExtractTitleParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.Out == "" {
			add("missing required param \"out\"")
		}
	case StepSleep:
		var p SleepParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.DurationMs < 0 {
			add("durationMs must be >= 0")
		}
	case StepAssert:
		var p AssertParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		hasPredicate := p.URLIncludes != "" || p.URLMatches != "" || p.TextPresent != "" ||
			p.EffectiveTarget() != nil || p.VarEquals != nil
		if !hasPredicate {
			add("requires at least one predicate (urlIncludes, urlMatches, textPresent, target, varEquals)")
		}
		if p.URLMatches != "" {
			if _, err := regexp.Compile(p.URLMatches); err != nil {
				add("urlMatches: invalid regex: %v", err)
			}
		}
		if p.EffectiveTarget() != nil && p.Visible == nil && p.Exists == nil {
			add("target predicate requires \"visible\" or \"exists\"")
		}
		validateTargets(&p.targetedParams, add)
	case StepSetVar:
		var p SetVarParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.Name == "" {
			add("missing required param \"name\"")
		}
		switch p.Value.(type) {
		case string, float64, bool:
		case nil:
			add("missing required param \"value\"")
		default:
			add("value must be a string, number, or boolean")
		}
	case StepNetworkFind:
		validateNetworkFind(step, add)
	case StepNetworkReplay:
		validateNetworkReplay(step, add)
	case StepNetworkExtract:
		var p NetworkExtractParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.FromVar == "" {
			add("missing required param \"fromVar\"")
		}
		if p.As != "json" && p.As != "text" {
			add("as must be \"json\" or \"text\"")
		}
		if p.Out == "" {
			add("missing required param \"out\"")
		}
	case StepSelectOption:
		var p SelectOptionParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.EffectiveTarget() == nil {
			add("missing required param \"target\" (or \"selector\")")
		}
		if p.Value == "" && p.Label == "" {
			add("requires \"value\" or \"label\"")
		}
		validateTargets(&p.targetedParams, add)
	case StepPressKey:
		var p PressKeyParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.Key == "" {
			add("missing required param \"key\"")
		}
		validateTargets(&p.targetedParams, add)
	case StepDomScrape:
		var p DomScrapeParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.Out == "" {
			add("missing required param \"out\"")
		}
		if p.Mode != "" && p.Mode != ScrapeReadable && p.Mode != ScrapeHTML && p.Mode != ScrapeText {
			add("mode must be one of readable, html, text")
		}
		validateTargets(&p.targetedParams, add)
	case StepUploadFile:
		var p UploadFileParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.EffectiveTarget() == nil {
			add("missing required param \"target\" (or \"selector\")")
		}
		if p.Path == "" {
			add("missing required param \"path\"")
		}
		validateTargets(&p.targetedParams, add)
	case StepFrame:
		var p FrameParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.Selector == "" && p.Name == "" {
			add("requires \"selector\" or \"name\"")
		}
	case StepNewTab:
		var p NewTabParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
		}
	case StepSwitchTab:
		var p SwitchTabParams
		if step.DecodeParams(&p) != nil {
			add("malformed params")
			return
		}
		if p.Index < 0 {
			add("index must be >= 0")
		}
	}
}

func validateNetworkFind(step *Step, add func(string, ...any)) {
	var p NetworkFindParams
	if step.DecodeParams(&p) != nil {
		add("malformed params")
		return
	}
	if p.SaveAs == "" {
		add("missing required param \"saveAs\"")
	}
	w := p.Where
	if w.URLIncludes == "" && w.URLRegex == "" && w.Method == "" && w.Status == nil &&
		w.ContentTypeIncludes == "" && w.ResponseContains == "" {
		add("missing required param \"where\" (at least one predicate)")
	}
	if w.URLRegex != "" {
		if _, err := regexp.Compile(w.URLRegex); err != nil {
			add("where.urlRegex: invalid regex: %v", err)
		}
	}
	if w.Method != "" && !validMethods[w.Method] {
		add("where.method must be one of GET, POST, PUT, DELETE, PATCH")
	}
	if w.Status != nil && *w.Status < 0 {
		add("where.status must be >= 0")
	}
	if len(w.ResponseContains) > ResponseContainsMax {
		add("where.responseContains exceeds %d characters", ResponseContainsMax)
	}
	if p.Pick != "" && p.Pick != "first" && p.Pick != "last" {
		add("pick must be \"first\" or \"last\"")
	}
	if p.WaitForMs < 0 {
		add("waitForMs must be >= 0")
	}
	if paramPresent(step, "pollIntervalMs") && p.PollIntervalMs < MinPollIntervalMs {
		add("pollIntervalMs must be >= %d", MinPollIntervalMs)
	}
}

func validateNetworkReplay(step *Step, add func(string, ...any)) {
	var p NetworkReplayParams
	if step.DecodeParams(&p) != nil {
		add("malformed params")
		return
	}
	if p.RequestID == "" {
		add("missing required param \"requestId\"")
	} else if !HasTemplate(p.RequestID) {
		// Capture ids are session-scoped; a literal id would dangle on the
		// next run.
		add("requestId must be a template reference such as {{vars.foo}}, not a literal capture id")
	}
	if p.Auth != "browser_context" {
		add("auth must be \"browser_context\"")
	}
	if p.Out == "" && p.SaveAs == "" {
		add("requires \"out\" or \"saveAs\"")
	}
	if p.Out != "" {
		if p.Response == nil {
			add("\"out\" requires a \"response\" spec")
		} else if p.Response.As != "json" && p.Response.As != "text" {
			add("response.as must be \"json\" or \"text\"")
		}
	}
	if ov := p.Overrides; ov != nil {
		if ov.URLReplace != nil {
			if _, err := regexp.Compile(ov.URLReplace.Find); err != nil {
				add("overrides.urlReplace.find: invalid regex: %v", err)
			}
		}
		if ov.BodyReplace != nil {
			if _, err := regexp.Compile(ov.BodyReplace.Find); err != nil {
				add("overrides.bodyReplace.find: invalid regex: %v", err)
			}
		}
		for name := range ov.SetHeaders {
			if IsSensitiveHeader(name) {
				add("overrides.setHeaders: header %q is sensitive and cannot be set", name)
			}
		}
	}
}

func validateTargets(p *targetedParams, add func(string, ...any)) {
	if p.Target != nil {
		validateTarget(p.Target, "target", add)
	}
	if p.Scope != nil {
		validateTarget(p.Scope, "scope", add)
	}
	if p.Near != nil {
		if p.Near.Kind != TargetText || p.Near.Text == "" {
			add("near must be a text target")
		}
	}
}

func validateTarget(t *Target, field string, add func(string, ...any)) {
	if len(t.AnyOf) > 0 {
		for i := range t.AnyOf {
			validateTarget(&t.AnyOf[i], fmt.Sprintf("%s.anyOf[%d]", field, i), add)
		}
		return
	}
	switch t.Kind {
	case TargetCSS:
		if t.Selector == "" {
			add("%s: css target missing selector", field)
		}
	case TargetText, TargetLabel, TargetPlaceholder, TargetAltText:
		if t.Text == "" {
			add("%s: %s target missing text", field, t.Kind)
		}
	case TargetRole:
		if !KnownRoles[t.Role] {
			add("%s: unknown role %q", field, t.Role)
		}
	case TargetTestID:
		if t.ID == "" {
			add("%s: testId target missing id", field)
		}
	case "":
		add("%s: missing kind", field)
	default:
		add("%s: unknown target kind %q", field, t.Kind)
	}
}

// paramPresent reports whether the authored params object carries the key,
// distinguishing explicit zero values from absence.
func paramPresent(step *Step, key string) bool {
	keys, err := step.ParamKeys()
	if err != nil {
		return false
	}
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
