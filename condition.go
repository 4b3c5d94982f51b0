package showrun

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// TargetRef is a Target that also unmarshals from a bare CSS selector
// string, the shorthand older flows use.
type TargetRef struct {
	Target
}

func (t *TargetRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var sel string
		if err := json.Unmarshal(data, &sel); err != nil {
			return err
		}
		t.Target = Target{Kind: TargetCSS, Selector: sel}
		return nil
	}
	return json.Unmarshal(data, &t.Target)
}

// Condition is the skip_if expression tree. A leaf populates exactly one
// predicate; All and Any combine children. An empty condition is false.
type Condition struct {
	URLIncludes    string     `json:"url_includes,omitempty"`
	URLMatches     string     `json:"url_matches,omitempty"`
	ElementVisible *TargetRef `json:"element_visible,omitempty"`
	ElementExists  *TargetRef `json:"element_exists,omitempty"`
	VarEquals      *VarEquals `json:"var_equals,omitempty"`
	VarTruthy      string     `json:"var_truthy,omitempty"`
	VarFalsy       string     `json:"var_falsy,omitempty"`
	All            []Condition `json:"all,omitempty"`
	Any            []Condition `json:"any,omitempty"`
}

// Validate checks the condition tree: regexes must compile and each node
// must populate at least one predicate or combinator.
func (c *Condition) Validate() error {
	if c == nil {
		return nil
	}
	if c.URLMatches != "" {
		if _, err := regexp.Compile(c.URLMatches); err != nil {
			return fmt.Errorf("skip_if url_matches: invalid regex: %v", err)
		}
	}
	populated := c.URLIncludes != "" || c.URLMatches != "" ||
		c.ElementVisible != nil || c.ElementExists != nil ||
		c.VarEquals != nil || c.VarTruthy != "" || c.VarFalsy != "" ||
		len(c.All) > 0 || len(c.Any) > 0
	if !populated {
		return fmt.Errorf("skip_if: empty condition")
	}
	for i := range c.All {
		if err := c.All[i].Validate(); err != nil {
			return err
		}
	}
	for i := range c.Any {
		if err := c.Any[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// VarTruthiness reports whether a run variable counts as truthy: present
// and not false, 0, "", or null.
func VarTruthiness(v any, ok bool) bool {
	if !ok || v == nil {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != "" && x != "false" && x != "0"
	case float64:
		return x != 0
	case int:
		return x != 0
	}
	return true
}

// VarValueEquals compares a run variable against a literal from the flow.
// Numbers compare numerically regardless of int/float representation.
func VarValueEquals(have, want any) bool {
	hf, hok := toFloat(have)
	wf, wok := toFloat(want)
	if hok && wok {
		return hf == wf
	}
	return fmt.Sprintf("%v", have) == fmt.Sprintf("%v", want)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
