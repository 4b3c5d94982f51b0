package engine

import (
	"context"
	"testing"

	"github.com/showrun/showrun"
)

func TestResolveAnyOfOrder(t *testing.T) {
	page := newFakePage("https://x.test")
	page.add("css:#fallback", &fakeElement{visible: true, text: "fallback"})

	target := &showrun.Target{AnyOf: []showrun.Target{
		{Kind: showrun.TargetCSS, Selector: "#primary"},
		{Kind: showrun.TargetCSS, Selector: "#fallback"},
	}}
	res, err := Resolve(context.Background(), page, target, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.MatchedCount != 1 {
		t.Fatalf("matched = %d", res.MatchedCount)
	}
	if res.MatchedTarget.Selector != "#fallback" {
		t.Errorf("matched variant = %+v", res.MatchedTarget)
	}

	// When the first variant matches, it wins even if later ones also would.
	page.add("css:#primary", &fakeElement{visible: true})
	res, err = Resolve(context.Background(), page, target, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.MatchedTarget.Selector != "#primary" {
		t.Errorf("matched variant = %+v", res.MatchedTarget)
	}
}

func TestResolveNoMatch(t *testing.T) {
	page := newFakePage("https://x.test")
	res, err := Resolve(context.Background(), page, &showrun.Target{Kind: showrun.TargetCSS, Selector: "#none"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.MatchedCount != 0 {
		t.Errorf("matched = %d", res.MatchedCount)
	}
}

func TestResolveScope(t *testing.T) {
	page := newFakePage("https://x.test")
	// The scoped key mirrors how the fake renders Within.
	page.add("css:#list css:.item", &fakeElement{text: "scoped"})
	page.add("css:.item", &fakeElement{text: "global"})
	page.add("css:#list", &fakeElement{})

	res, err := Resolve(context.Background(), page,
		&showrun.Target{Kind: showrun.TargetCSS, Selector: ".item"},
		&showrun.Target{Kind: showrun.TargetCSS, Selector: "#list"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	text, _ := res.Locator.First().Text(context.Background())
	if text != "scoped" {
		t.Errorf("text = %q", text)
	}
}

func TestResolveNearDisambiguation(t *testing.T) {
	page := newFakePage("https://x.test")
	page.add("css:button.add",
		&fakeElement{visible: true, parentText: "Basic plan"},
		&fakeElement{visible: true, parentText: "Pro plan"},
	)

	res, err := Resolve(context.Background(), page,
		&showrun.Target{Kind: showrun.TargetCSS, Selector: "button.add"},
		nil, &showrun.Target{Text: "Pro plan"})
	if err != nil {
		t.Fatal(err)
	}
	if res.MatchedCount != 1 {
		t.Fatalf("matched = %d", res.MatchedCount)
	}
	// The kept candidate is the one under the Pro plan.
	parentText, _ := res.Locator.Parent().Text(context.Background())
	if parentText != "Pro plan" {
		t.Errorf("parent text = %q", parentText)
	}
}

func TestResolveNearFallback(t *testing.T) {
	page := newFakePage("https://x.test")
	page.add("css:button.add",
		&fakeElement{parentText: "Basic"},
		&fakeElement{parentText: "Pro"},
	)
	res, err := Resolve(context.Background(), page,
		&showrun.Target{Kind: showrun.TargetCSS, Selector: "button.add"},
		nil, &showrun.Target{Text: "Enterprise"})
	if err != nil {
		t.Fatal(err)
	}
	if res.MatchedCount != 2 {
		t.Errorf("nothing qualified, original count expected: %d", res.MatchedCount)
	}
}

func TestResolveErrors(t *testing.T) {
	page := newFakePage("https://x.test")
	if _, err := Resolve(context.Background(), page, nil, nil, nil); err == nil {
		t.Error("nil target must fail")
	}
	if _, err := Resolve(context.Background(), page, &showrun.Target{Kind: showrun.TargetRole, Role: "mystery"}, nil, nil); err == nil {
		t.Error("unknown role must fail")
	}
	if _, err := Resolve(context.Background(), page, &showrun.Target{Kind: showrun.TargetCSS}, nil, nil); err == nil {
		t.Error("empty css selector must fail")
	}
}
