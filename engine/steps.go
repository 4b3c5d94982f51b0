package engine

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/browser"
	"github.com/showrun/showrun/scrape"
)

func containsURL(url, substring string) bool {
	return strings.Contains(url, substring)
}

func matchesURL(url, pattern string) bool {
	re, err := regexp.Compile(pattern)
	return err == nil && re.MatchString(url)
}

// requirePage returns the current page; DOM steps outside browser mode are
// a programming error the mode gate should have prevented.
func (in *Interpreter) requirePage(step *showrun.Step) (browser.Page, error) {
	if in.State.Page == nil {
		return nil, &showrun.OperationalError{Op: "step " + step.ID, Err: errNoPage}
	}
	return in.State.Page, nil
}

var errNoPage = &showrun.ValidationError{Errors: []string{"no browser page in this run mode"}}

// resolveTargeted resolves a step's target with template-resolved scope/near
// and returns an error when nothing matched.
func (in *Interpreter) resolveTargeted(ctx context.Context, step *showrun.Step, target, scope, near *showrun.Target) (*Resolution, error) {
	page, err := in.requirePage(step)
	if err != nil {
		return nil, err
	}
	res, err := Resolve(ctx, page, target, scope, near)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, &showrun.TargetNotFoundError{StepID: step.ID, Target: target.String()}
	}
	return res, nil
}

func (in *Interpreter) stepNavigate(ctx context.Context, step *showrun.Step) error {
	var p showrun.NavigateParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	url, err := showrun.ResolveString(p.URL, in.State.TemplateContext())
	if err != nil {
		return err
	}
	page, err := in.requirePage(step)
	if err != nil {
		return err
	}
	waitUntil := p.WaitUntil
	if waitUntil == "" {
		waitUntil = browser.WaitLoad
	}
	return page.Goto(ctx, url, waitUntil)
}

func (in *Interpreter) stepWaitFor(ctx context.Context, step *showrun.Step) error {
	var p showrun.WaitForParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	page, err := in.requirePage(step)
	if err != nil {
		return err
	}
	switch {
	case p.URL != "":
		substr, err := showrun.ResolveString(p.URL, in.State.TemplateContext())
		if err != nil {
			return err
		}
		return page.WaitForURL(ctx, substr)
	case p.LoadState != "":
		return page.WaitForLoadState(ctx, p.LoadState)
	default:
		target := p.EffectiveTarget()
		res, err := Resolve(ctx, page, target, p.Scope, p.Near)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			// The element may render later; wait on the first variant.
			loc, lerr := locatorFor(page, firstVariant(target), p.Scope)
			if lerr != nil {
				return lerr
			}
			return loc.First().WaitVisible(ctx)
		}
		return res.Locator.First().WaitVisible(ctx)
	}
}

func firstVariant(t *showrun.Target) *showrun.Target {
	if len(t.AnyOf) > 0 {
		return &t.AnyOf[0]
	}
	return t
}

func (in *Interpreter) stepClick(ctx context.Context, step *showrun.Step) error {
	var p showrun.ClickParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	res, err := in.resolveTargeted(ctx, step, p.EffectiveTarget(), p.Scope, p.Near)
	if err != nil {
		return err
	}
	loc := res.Locator
	if p.First == nil || *p.First {
		loc = loc.First()
	}
	return loc.Click(ctx)
}

func (in *Interpreter) stepFill(ctx context.Context, step *showrun.Step) error {
	var p showrun.FillParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	value, err := showrun.ResolveString(p.Value, in.State.TemplateContext())
	if err != nil {
		return err
	}
	res, err := in.resolveTargeted(ctx, step, p.EffectiveTarget(), p.Scope, p.Near)
	if err != nil {
		return err
	}
	if p.Clear == nil || *p.Clear {
		return res.Locator.First().Fill(ctx, value)
	}
	return res.Locator.First().Type(ctx, value)
}

func (in *Interpreter) stepSelectOption(ctx context.Context, step *showrun.Step) error {
	var p showrun.SelectOptionParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	tc := in.State.TemplateContext()
	value, err := showrun.ResolveString(p.Value, tc)
	if err != nil {
		return err
	}
	label, err := showrun.ResolveString(p.Label, tc)
	if err != nil {
		return err
	}
	res, err := in.resolveTargeted(ctx, step, p.EffectiveTarget(), p.Scope, p.Near)
	if err != nil {
		return err
	}
	return res.Locator.First().SelectOption(ctx, value, label)
}

func (in *Interpreter) stepPressKey(ctx context.Context, step *showrun.Step) error {
	var p showrun.PressKeyParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	target := p.EffectiveTarget()
	if target == nil {
		// No target: press against the focused element via body.
		target = &showrun.Target{Kind: showrun.TargetCSS, Selector: "body"}
	}
	res, err := in.resolveTargeted(ctx, step, target, p.Scope, p.Near)
	if err != nil {
		return err
	}
	return res.Locator.First().Press(ctx, p.Key)
}

func (in *Interpreter) stepUploadFile(ctx context.Context, step *showrun.Step) error {
	var p showrun.UploadFileParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	path, err := showrun.ResolveString(p.Path, in.State.TemplateContext())
	if err != nil {
		return err
	}
	res, err := in.resolveTargeted(ctx, step, p.EffectiveTarget(), p.Scope, p.Near)
	if err != nil {
		return err
	}
	return res.Locator.First().SetFiles(ctx, path)
}

func (in *Interpreter) stepExtractText(ctx context.Context, step *showrun.Step) error {
	var p showrun.ExtractTextParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	page, err := in.requirePage(step)
	if err != nil {
		return err
	}
	res, err := Resolve(ctx, page, p.EffectiveTarget(), p.Scope, p.Near)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		in.State.SetCollectible(p.Out, extractionDefault(p.Default))
		return nil
	}

	trim := p.Trim == nil || *p.Trim
	if p.First == nil || *p.First {
		text, err := res.Locator.First().Text(ctx)
		if err != nil {
			return err
		}
		if trim {
			text = strings.TrimSpace(text)
		}
		in.State.SetCollectible(p.Out, text)
		return nil
	}
	texts, err := res.Locator.AllTexts(ctx)
	if err != nil {
		return err
	}
	out := make([]any, len(texts))
	for i, t := range texts {
		if trim {
			t = strings.TrimSpace(t)
		}
		out[i] = t
	}
	in.State.SetCollectible(p.Out, out)
	return nil
}

func (in *Interpreter) stepExtractAttribute(ctx context.Context, step *showrun.Step) error {
	var p showrun.ExtractAttributeParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	page, err := in.requirePage(step)
	if err != nil {
		return err
	}
	res, err := Resolve(ctx, page, p.EffectiveTarget(), p.Scope, p.Near)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		in.State.SetCollectible(p.Out, extractionDefault(p.Default))
		return nil
	}

	if p.First == nil || *p.First {
		value, _, err := res.Locator.First().Attribute(ctx, p.Attribute)
		if err != nil {
			return err
		}
		in.State.SetCollectible(p.Out, value)
		return nil
	}
	values, err := res.Locator.AllAttributes(ctx, p.Attribute)
	if err != nil {
		return err
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	in.State.SetCollectible(p.Out, out)
	return nil
}

// extractionDefault is the zero-match value: the declared default, else "".
func extractionDefault(d *string) any {
	if d != nil {
		return *d
	}
	return ""
}

func (in *Interpreter) stepExtractTitle(ctx context.Context, step *showrun.Step) error {
	var p showrun.ExtractTitleParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	page, err := in.requirePage(step)
	if err != nil {
		return err
	}
	title, err := page.Title(ctx)
	if err != nil {
		return err
	}
	in.State.SetCollectible(p.Out, title)
	return nil
}

func (in *Interpreter) stepDomScrape(ctx context.Context, step *showrun.Step) error {
	var p showrun.DomScrapeParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	page, err := in.requirePage(step)
	if err != nil {
		return err
	}

	var html string
	if target := p.EffectiveTarget(); target != nil {
		res, err := in.resolveTargeted(ctx, step, target, p.Scope, p.Near)
		if err != nil {
			return err
		}
		html, err = res.Locator.First().HTML(ctx)
		if err != nil {
			return err
		}
	} else {
		html, err = page.Content(ctx)
		if err != nil {
			return err
		}
	}

	value, err := scrape.Scrape(html, page.URL(), p.Mode)
	if err != nil {
		return err
	}
	in.State.SetCollectible(p.Out, value)
	return nil
}

// stepSleep waits against the run's abort signal; the step timeout does not
// apply to sleeps.
func (in *Interpreter) stepSleep(ctx context.Context, step *showrun.Step) error {
	var p showrun.SleepParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(p.DurationMs) * time.Millisecond):
		return nil
	}
}

func (in *Interpreter) stepAssert(ctx context.Context, step *showrun.Step) error {
	var p showrun.AssertParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	fail := func() error {
		return &showrun.AssertionError{StepID: step.ID, Message: p.Message}
	}

	if p.URLIncludes != "" {
		page, err := in.requirePage(step)
		if err != nil {
			return err
		}
		if !containsURL(page.URL(), p.URLIncludes) {
			return fail()
		}
	}
	if p.URLMatches != "" {
		page, err := in.requirePage(step)
		if err != nil {
			return err
		}
		if !matchesURL(page.URL(), p.URLMatches) {
			return fail()
		}
	}
	if p.TextPresent != "" {
		page, err := in.requirePage(step)
		if err != nil {
			return err
		}
		content, err := page.Content(ctx)
		if err != nil {
			return err
		}
		want, err := showrun.ResolveString(p.TextPresent, in.State.TemplateContext())
		if err != nil {
			return err
		}
		if !strings.Contains(content, want) {
			return fail()
		}
	}
	if p.Visible != nil || p.Exists != nil {
		page, err := in.requirePage(step)
		if err != nil {
			return err
		}
		res, err := Resolve(ctx, page, p.EffectiveTarget(), p.Scope, p.Near)
		if err != nil {
			return err
		}
		if p.Exists != nil && (res.MatchedCount > 0) != *p.Exists {
			return fail()
		}
		if p.Visible != nil {
			visible := false
			if res.MatchedCount > 0 {
				visible, err = res.Locator.First().IsVisible(ctx)
				if err != nil {
					return err
				}
			}
			if visible != *p.Visible {
				return fail()
			}
		}
	}
	if p.VarEquals != nil {
		v, _ := in.State.Var(p.VarEquals.Name)
		if !showrun.VarValueEquals(v, p.VarEquals.Value) {
			return fail()
		}
	}
	return nil
}

func (in *Interpreter) stepSetVar(step *showrun.Step) error {
	var p showrun.SetVarParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	value, err := showrun.ResolveValue(p.Value, in.State.TemplateContext())
	if err != nil {
		return err
	}
	in.State.SetVar(p.Name, value)
	return nil
}

func (in *Interpreter) stepFrame(ctx context.Context, step *showrun.Step) error {
	var p showrun.FrameParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	page, err := in.requirePage(step)
	if err != nil {
		return err
	}
	frame, err := page.Frame(ctx, p.Selector, p.Name)
	if err != nil {
		return err
	}
	in.State.Page = frame
	return nil
}

func (in *Interpreter) stepNewTab(ctx context.Context, step *showrun.Step) error {
	var p showrun.NewTabParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	if in.State.Session == nil {
		return errNoPage
	}
	url := p.URL
	if url != "" {
		resolved, err := showrun.ResolveString(url, in.State.TemplateContext())
		if err != nil {
			return err
		}
		url = resolved
	}
	page, err := in.State.Session.NewPage(ctx, url)
	if err != nil {
		return err
	}
	in.State.Tabs = append(in.State.Tabs, page)
	in.State.Page = page
	return nil
}

func (in *Interpreter) stepSwitchTab(step *showrun.Step) error {
	var p showrun.SwitchTabParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	if p.Index < 0 || p.Index >= len(in.State.Tabs) {
		return &showrun.ValidationError{Errors: []string{"switch_tab: no tab at index " + strconv.Itoa(p.Index)}}
	}
	in.State.Page = in.State.Tabs[p.Index]
	return nil
}
