package showrun

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

// TemplateContext supplies the three template scopes. Secrets are consumed
// here and by the replay engine only; they never reach logs or snapshots.
type TemplateContext struct {
	Inputs  map[string]any
	Vars    map[string]any
	Secrets map[string]string
}

// totpNow is swapped by tests to pin the TOTP window.
var totpNow = time.Now

// HasTemplate reports whether s contains a {{...}} expression.
func HasTemplate(s string) bool {
	open := strings.Index(s, "{{")
	return open >= 0 && strings.Index(s[open:], "}}") > 0
}

// ResolveString replaces every {{ expression }} occurrence in s. An
// expression is a dotted path (inputs.X, vars.X, secret.X) followed by zero
// or more pipe filters: urlencode, pctEncode, totp, replace('a','b').
//
// Unresolved references do not collapse to empty string; the first one
// aborts resolution with an UnresolvedTemplateError.
func ResolveString(s string, tc *TemplateContext) (string, error) {
	if !HasTemplate(s) {
		return s, nil
	}
	var b strings.Builder
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:open])
		expr := strings.TrimSpace(rest[open+2 : open+close])
		val, err := evalExpression(expr, tc)
		if err != nil {
			return "", err
		}
		b.WriteString(val)
		rest = rest[open+close+2:]
	}
}

// ResolveValue resolves templates recursively: strings are resolved, maps
// and slices are walked, everything else passes through. Used for override
// blobs and set_var values.
func ResolveValue(v any, tc *TemplateContext) (any, error) {
	switch x := v.(type) {
	case string:
		return ResolveString(x, tc)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, mv := range x {
			rv, err := ResolveValue(mv, tc)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, ev := range x {
			rv, err := ResolveValue(ev, tc)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	}
	return v, nil
}

func evalExpression(expr string, tc *TemplateContext) (string, error) {
	parts := splitPipes(expr)
	val, err := lookupPath(strings.TrimSpace(parts[0]), expr, tc)
	if err != nil {
		return "", err
	}
	for _, f := range parts[1:] {
		val, err = applyFilter(val, strings.TrimSpace(f), expr)
		if err != nil {
			return "", err
		}
	}
	return val, nil
}

// splitPipes splits on | outside single quotes, so replace('a|b', 'c')
// keeps its argument intact.
func splitPipes(expr string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for _, r := range expr {
		switch {
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == '|' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

func lookupPath(path, expr string, tc *TemplateContext) (string, error) {
	scope, key, ok := strings.Cut(path, ".")
	if !ok {
		return "", &UnresolvedTemplateError{Expression: expr}
	}
	switch scope {
	case "inputs":
		if tc != nil && tc.Inputs != nil {
			if v, ok := tc.Inputs[key]; ok {
				return formatValue(v), nil
			}
		}
	case "vars":
		if tc != nil && tc.Vars != nil {
			if v, ok := tc.Vars[key]; ok {
				return formatValue(v), nil
			}
		}
	case "secret":
		if tc != nil && tc.Secrets != nil {
			if v, ok := tc.Secrets[key]; ok {
				return v, nil
			}
		}
	}
	return "", &UnresolvedTemplateError{Expression: expr}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func applyFilter(val, filter, expr string) (string, error) {
	name := filter
	var rawArgs string
	if i := strings.IndexByte(filter, '('); i >= 0 {
		if !strings.HasSuffix(filter, ")") {
			return "", &ValidationError{Errors: []string{fmt.Sprintf("template filter %q: missing closing parenthesis", filter)}}
		}
		name = filter[:i]
		rawArgs = filter[i+1 : len(filter)-1]
	}

	switch name {
	case "urlencode":
		return percentEncode(val, "-_.!~*'()"), nil
	case "pctEncode":
		return percentEncode(val, "-_."), nil
	case "totp":
		code, err := totp.GenerateCode(normalizeBase32(val), totpNow())
		if err != nil {
			return "", &ValidationError{Errors: []string{fmt.Sprintf("template filter totp: %v", err)}}
		}
		return code, nil
	case "replace":
		args, err := parseFilterArgs(rawArgs)
		if err != nil || len(args) != 2 {
			return "", &ValidationError{Errors: []string{fmt.Sprintf("template filter replace: want two quoted arguments, got %q", rawArgs)}}
		}
		return strings.ReplaceAll(val, args[0], args[1]), nil
	}
	return "", &ValidationError{Errors: []string{fmt.Sprintf("unknown template filter %q in {{%s}}", name, expr)}}
}

// parseFilterArgs parses a comma-separated list of single-quoted strings.
func parseFilterArgs(raw string) ([]string, error) {
	var args []string
	rest := strings.TrimSpace(raw)
	for rest != "" {
		if rest[0] != '\'' {
			return nil, fmt.Errorf("expected quoted argument at %q", rest)
		}
		end := strings.IndexByte(rest[1:], '\'')
		if end < 0 {
			return nil, fmt.Errorf("unterminated quote in %q", rest)
		}
		args = append(args, rest[1:1+end])
		rest = strings.TrimSpace(rest[end+2:])
		if rest == "" {
			break
		}
		if rest[0] != ',' {
			return nil, fmt.Errorf("expected comma at %q", rest)
		}
		rest = strings.TrimSpace(rest[1:])
	}
	return args, nil
}

// percentEncode escapes every byte outside [A-Za-z0-9] and extra. Spaces
// become %20, never '+'.
func percentEncode(s, extra string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || strings.IndexByte(extra, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0xf])
	}
	return b.String()
}

// normalizeBase32 uppercases and strips spaces so seeds copied from
// authenticator setup pages work as-is.
func normalizeBase32(seed string) string {
	return strings.ToUpper(strings.ReplaceAll(seed, " ", ""))
}
