package rod

import (
	"fmt"
	"strings"

	"github.com/go-rod/rod"

	"github.com/showrun/showrun/browser"
)

// queryElements evaluates a single query against the page, or against root's
// subtree when root is non-nil. CSS queries go through querySelectorAll;
// everything else compiles to an XPath so text matching, labels, and ARIA
// roles resolve without extra round trips.
func queryElements(p *rod.Page, root *rod.Element, q browser.Query) (rod.Elements, error) {
	css, xpath := compileQuery(q)
	if css != "" {
		if root != nil {
			return root.Elements(css)
		}
		return p.Elements(css)
	}
	if root != nil {
		// Scope the XPath to the subtree.
		return root.ElementsX("." + xpath)
	}
	return p.ElementsX(xpath)
}

// compileQuery returns either a CSS selector or an XPath for the query.
// Exactly one of the returns is non-empty.
func compileQuery(q browser.Query) (css, xpath string) {
	switch q.Kind {
	case "css":
		return q.Selector, ""
	case "testId":
		return fmt.Sprintf(`[data-testid=%q]`, q.TestID), ""
	case "placeholder":
		if q.Exact {
			return "", fmt.Sprintf(`//*[@placeholder=%s]`, xpathString(q.Text))
		}
		return "", fmt.Sprintf(`//*[contains(@placeholder,%s)]`, xpathString(q.Text))
	case "altText":
		if q.Exact {
			return "", fmt.Sprintf(`//*[@alt=%s]`, xpathString(q.Text))
		}
		return "", fmt.Sprintf(`//*[contains(@alt,%s)]`, xpathString(q.Text))
	case "text":
		if q.Exact {
			return "", fmt.Sprintf(`//*[normalize-space(text())=%s]`, xpathString(q.Text))
		}
		return "", fmt.Sprintf(`//*[contains(normalize-space(.),%s) and not(.//*[contains(normalize-space(.),%s)])]`,
			xpathString(q.Text), xpathString(q.Text))
	case "label":
		// A label either wraps its control or points at it via @for.
		s := xpathString(q.Text)
		return "", fmt.Sprintf(
			`//label[contains(normalize-space(.),%s)]//*[self::input or self::textarea or self::select]`+
				` | //*[@id=//label[contains(normalize-space(.),%s)]/@for]`+
				` | //*[contains(@aria-label,%s)]`, s, s, s)
	case "role":
		return "", roleXPath(q.Role, q.Name, q.Exact)
	default:
		return q.Selector, ""
	}
}

// implicitRoleTags maps common ARIA roles to the HTML tags that carry them
// implicitly, alongside an explicit role attribute match.
var implicitRoleTags = map[string][]string{
	"button":   {"button", "input[@type='button']", "input[@type='submit']"},
	"link":     {"a[@href]"},
	"textbox":  {"input[not(@type) or @type='text' or @type='email' or @type='search' or @type='url' or @type='tel']", "textarea"},
	"checkbox": {"input[@type='checkbox']"},
	"radio":    {"input[@type='radio']"},
	"combobox": {"select"},
	"heading":  {"h1", "h2", "h3", "h4", "h5", "h6"},
	"img":      {"img"},
	"list":     {"ul", "ol"},
	"listitem": {"li"},
	"option":   {"option"},
	"row":      {"tr"},
	"cell":     {"td"},
	"table":    {"table"},
}

func roleXPath(role, name string, exact bool) string {
	var branches []string
	branches = append(branches, fmt.Sprintf(`//*[@role=%s]`, xpathString(role)))
	for _, tag := range implicitRoleTags[role] {
		if strings.Contains(tag, "[") {
			i := strings.Index(tag, "[")
			branches = append(branches, fmt.Sprintf(`//%s[%s`, tag[:i], tag[i+1:]))
		} else {
			branches = append(branches, "//"+tag)
		}
	}
	expr := strings.Join(branches, " | ")
	if name == "" {
		return expr
	}
	var cond string
	if exact {
		cond = fmt.Sprintf(`normalize-space(.)=%s or @aria-label=%s or @value=%s or @alt=%s`,
			xpathString(name), xpathString(name), xpathString(name), xpathString(name))
	} else {
		cond = fmt.Sprintf(`contains(normalize-space(.),%s) or contains(@aria-label,%s) or contains(@value,%s) or contains(@alt,%s)`,
			xpathString(name), xpathString(name), xpathString(name), xpathString(name))
	}
	return fmt.Sprintf(`(%s)[%s]`, expr, cond)
}

// xpathString quotes s as an XPath string literal, falling back to concat()
// when s contains both quote characters.
func xpathString(s string) string {
	if !strings.Contains(s, `'`) {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, `'`)
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ",") + ")"
}
