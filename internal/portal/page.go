// File: internal/portal/page.go
package portal

import (
	"context"
	"fmt"
	"time"
)

// Page is the slice of the browser session the portal driver needs. Keeping
// it narrow lets the form and wizard logic run against a scripted fake.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Click(ctx context.Context, selector string) error
	ClickIfPresent(ctx context.Context, selector string, timeout time.Duration) bool
	ClickByText(ctx context.Context, selector, text string) error
	Type(ctx context.Context, selector, text string) error
	Select(ctx context.Context, selector, value string) error
	SetChecked(ctx context.Context, selector string, checked bool) error
	Probe(ctx context.Context, selector string) bool
	Text(ctx context.Context, selector string) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	WaitURLContains(ctx context.Context, fragment string, timeout time.Duration) error
	PollUntil(ctx context.Context, expression string, timeout time.Duration) error
	CaptureScreenshot(ctx context.Context, label string) error
	Sleep(ctx context.Context, d time.Duration) error
}

// firstMatch probes the candidate selectors in order and returns the first
// one present on the page. The portal markup varies between deployments, so
// most fields are addressed by a short candidate list.
func firstMatch(ctx context.Context, p Page, selectors ...string) (string, bool) {
	for _, sel := range selectors {
		if p.Probe(ctx, sel) {
			return sel, true
		}
	}
	return "", false
}

// typeFirst fills the first present candidate selector with the value.
func typeFirst(ctx context.Context, p Page, value string, selectors ...string) error {
	sel, ok := firstMatch(ctx, p, selectors...)
	if !ok {
		return fmt.Errorf("no input found among %v", selectors)
	}
	return p.Type(ctx, sel, value)
}

// clickFirst clicks the first present candidate selector.
func clickFirst(ctx context.Context, p Page, selectors ...string) error {
	sel, ok := firstMatch(ctx, p, selectors...)
	if !ok {
		return fmt.Errorf("no clickable element found among %v", selectors)
	}
	return p.Click(ctx, sel)
}

// selectFirst sets the option on the first present candidate selector.
func selectFirst(ctx context.Context, p Page, value string, selectors ...string) error {
	sel, ok := firstMatch(ctx, p, selectors...)
	if !ok {
		return fmt.Errorf("no select found among %v", selectors)
	}
	return p.Select(ctx, sel, value)
}

// setCheckedFirst drives the first present candidate checkbox.
func setCheckedFirst(ctx context.Context, p Page, checked bool, selectors ...string) error {
	sel, ok := firstMatch(ctx, p, selectors...)
	if !ok {
		return fmt.Errorf("no checkbox found among %v", selectors)
	}
	return p.SetChecked(ctx, sel, checked)
}
