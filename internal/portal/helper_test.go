// File: internal/portal/helper_test.go
package portal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/internal/config"
)

// -- Scripted Page Fake --

// pageState is one rendered page in a scripted walk. advanceOn lists the
// Click selectors and ClickByText labels that move the fake to the next
// state, the way a real click triggers a navigation.
type pageState struct {
	url       string
	present   []string
	texts     map[string]string
	advanceOn []string
}

// fakePage plays back a sequence of pageStates and records every
// interaction, so tests can assert both what was filled and where the flow
// ended up. Sleeps return immediately.
type fakePage struct {
	states []pageState
	idx    int
	url    string

	fills      map[string]string
	selections map[string]string
	checks     map[string]bool
	clicks     []string
	clickTexts []string
	shots      []string
	navigated  []string

	navErr  error
	pollErr error
}

var _ Page = (*fakePage)(nil)

func newFakePage(states ...pageState) *fakePage {
	p := &fakePage{
		states:     states,
		fills:      make(map[string]string),
		selections: make(map[string]string),
		checks:     make(map[string]bool),
	}
	if len(states) > 0 {
		p.url = states[0].url
	}
	return p
}

func (p *fakePage) state() pageState { return p.states[p.idx] }

func (p *fakePage) has(selector string) bool {
	for _, s := range p.state().present {
		if s == selector {
			return true
		}
	}
	return false
}

func (p *fakePage) advances(trigger string) bool {
	for _, s := range p.state().advanceOn {
		if s == trigger {
			return true
		}
	}
	return false
}

func (p *fakePage) next() {
	if p.idx+1 >= len(p.states) {
		return
	}
	p.idx++
	if st := p.state(); st.url != "" {
		p.url = st.url
	}
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.navigated = append(p.navigated, url)
	return p.navErr
}

func (p *fakePage) WaitVisible(_ context.Context, selector string, _ time.Duration) error {
	if !p.has(selector) {
		return fmt.Errorf("selector %q never became visible", selector)
	}
	return nil
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	if !p.has(selector) {
		return fmt.Errorf("click failed for selector %q", selector)
	}
	p.clicks = append(p.clicks, selector)
	if p.advances(selector) {
		p.next()
	}
	return nil
}

func (p *fakePage) ClickIfPresent(ctx context.Context, selector string, _ time.Duration) bool {
	if !p.has(selector) {
		return false
	}
	return p.Click(ctx, selector) == nil
}

func (p *fakePage) ClickByText(_ context.Context, _ string, text string) error {
	if !p.advances(text) {
		return fmt.Errorf("no element with text %q", text)
	}
	p.clickTexts = append(p.clickTexts, text)
	p.next()
	return nil
}

func (p *fakePage) Type(_ context.Context, selector, text string) error {
	if !p.has(selector) {
		return fmt.Errorf("input %q not found", selector)
	}
	p.fills[selector] = text
	return nil
}

func (p *fakePage) Select(_ context.Context, selector, value string) error {
	if !p.has(selector) {
		return fmt.Errorf("select %q not found", selector)
	}
	p.selections[selector] = value
	return nil
}

func (p *fakePage) SetChecked(_ context.Context, selector string, checked bool) error {
	if !p.has(selector) {
		return fmt.Errorf("checkbox %q not found", selector)
	}
	p.checks[selector] = checked
	return nil
}

func (p *fakePage) Probe(_ context.Context, selector string) bool {
	return p.has(selector)
}

func (p *fakePage) Text(_ context.Context, selector string) (string, error) {
	return p.state().texts[selector], nil
}

func (p *fakePage) CurrentURL(_ context.Context) (string, error) {
	return p.url, nil
}

func (p *fakePage) WaitURLContains(_ context.Context, fragment string, _ time.Duration) error {
	if !strings.Contains(p.url, fragment) {
		return fmt.Errorf("url never contained %q (last seen %q)", fragment, p.url)
	}
	return nil
}

func (p *fakePage) PollUntil(_ context.Context, _ string, _ time.Duration) error {
	return p.pollErr
}

func (p *fakePage) CaptureScreenshot(_ context.Context, label string) error {
	p.shots = append(p.shots, label)
	return nil
}

func (p *fakePage) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// -- Mailbox Fake --

type fakeCodeFetcher struct {
	code  string
	err   error
	calls int
}

func (f *fakeCodeFetcher) FetchCode(context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.code, nil
}

// -- Shared Fixtures --

const (
	testLoginURL    = "https://gig.guard.com/auth/login"
	testProspectURL = "https://gig.guard.com/pcmvc/AM/NBProspect/Create"
	testDashboard   = "https://gig.guard.com/agency/dashboard"
	testPolicyCode  = "TEBP602893"
)

func testQuoteShellURL(policyCode string) string {
	return "https://gigezrate.guard.com/dotnet/mvc/uw/EZRate/EZR_AddNewProspectShell/Home/Index?MGACODE=" + policyCode + "&Env=P"
}

func newTestDriver(codes CodeFetcher) *Driver {
	return NewDriver(config.PortalConfig{
		LoginURL:       testLoginURL,
		ProspectURL:    testProspectURL,
		QuoteURLFormat: "https://gigezrate.guard.com/dotnet/mvc/uw/EZRate/EZR_AddNewProspectShell/Home/Index?MGACODE=%s",
		Username:       "agent@example.com",
		Password:       "s3cret",
	}, codes, zap.NewNop())
}
