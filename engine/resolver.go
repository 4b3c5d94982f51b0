package engine

import (
	"context"
	"strings"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/browser"
)

// nearScanLimit bounds how many candidates the near disambiguator inspects.
const nearScanLimit = 10

// Resolution is the resolver's answer: the locator to act on, which variant
// of an anyOf group matched, and how many elements it matched.
type Resolution struct {
	Locator       browser.Locator
	MatchedTarget *showrun.Target
	MatchedCount  int
}

// Resolve turns a declarative target into a live locator. anyOf variants
// are tried in order; the first with at least one match wins. scope narrows
// the search to descendants of the scope target's first match. near picks
// the candidate whose parent subtree contains the near text. The resolver
// never clicks, focuses, or waits.
func Resolve(ctx context.Context, page browser.Page, target, scope, near *showrun.Target) (*Resolution, error) {
	if target == nil {
		return nil, &showrun.ValidationError{Errors: []string{"resolver: nil target"}}
	}
	variants := []showrun.Target{*target}
	if len(target.AnyOf) > 0 {
		variants = target.AnyOf
	}

	for i := range variants {
		v := &variants[i]
		loc, err := locatorFor(page, v, scope)
		if err != nil {
			return nil, err
		}
		count, err := loc.Count(ctx)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}
		if near != nil && count > 1 {
			loc, count = disambiguateNear(ctx, loc, count, near.Text)
		}
		return &Resolution{Locator: loc, MatchedTarget: v, MatchedCount: count}, nil
	}
	return &Resolution{MatchedCount: 0}, nil
}

func locatorFor(page browser.Page, t, scope *showrun.Target) (browser.Locator, error) {
	q, err := queryFor(t)
	if err != nil {
		return nil, err
	}
	if scope != nil {
		sq, err := queryFor(scope)
		if err != nil {
			return nil, err
		}
		return page.Locator(sq).Within(q), nil
	}
	return page.Locator(q), nil
}

func queryFor(t *showrun.Target) (browser.Query, error) {
	switch t.Kind {
	case showrun.TargetCSS, "":
		if t.Selector == "" {
			return browser.Query{}, &showrun.ValidationError{Errors: []string{"resolver: css target with empty selector"}}
		}
		return browser.Query{Kind: "css", Selector: t.Selector}, nil
	case showrun.TargetText:
		return browser.Query{Kind: "text", Text: t.Text, Exact: t.Exact}, nil
	case showrun.TargetRole:
		if !showrun.KnownRoles[t.Role] {
			return browser.Query{}, &showrun.ValidationError{Errors: []string{"resolver: unknown role " + t.Role}}
		}
		return browser.Query{Kind: "role", Role: t.Role, Name: t.Name, Exact: t.Exact}, nil
	case showrun.TargetLabel:
		return browser.Query{Kind: "label", Text: t.Text, Exact: t.Exact}, nil
	case showrun.TargetPlaceholder:
		return browser.Query{Kind: "placeholder", Text: t.Text, Exact: t.Exact}, nil
	case showrun.TargetAltText:
		return browser.Query{Kind: "altText", Text: t.Text, Exact: t.Exact}, nil
	case showrun.TargetTestID:
		return browser.Query{Kind: "testId", TestID: t.ID}, nil
	}
	return browser.Query{}, &showrun.ValidationError{Errors: []string{"resolver: unknown target kind " + t.Kind}}
}

// disambiguateNear scans the first few matches and keeps the one whose
// parent's text contains the near text. Falls back to the original locator
// when nothing qualifies.
func disambiguateNear(ctx context.Context, loc browser.Locator, count int, nearText string) (browser.Locator, int) {
	limit := count
	if limit > nearScanLimit {
		limit = nearScanLimit
	}
	for i := 0; i < limit; i++ {
		candidate := loc.Nth(i)
		parentText, err := candidate.Parent().Text(ctx)
		if err != nil {
			continue
		}
		if strings.Contains(parentText, nearText) {
			return candidate, 1
		}
	}
	return loc, count
}
