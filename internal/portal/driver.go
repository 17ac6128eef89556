// File: internal/portal/driver.go

// Package portal drives the GUARD agency portal through a browser session:
// authentication with email verification, prospect registration, and the
// multi-panel quote wizard. All page interaction goes through the Page
// interface so the flows can be tested without Chrome.
package portal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/internal/config"
)

const (
	fieldTimeout  = 10 * time.Second
	settleTimeout = 15 * time.Second
	settlePoll    = time.Second

	// The verification email takes a while to land; polling the mailbox
	// immediately after the form submit just burns retries.
	mailGraceDelay = 10 * time.Second
)

// CodeFetcher obtains the emailed verification code during login.
// *mailbox.Fetcher satisfies it.
type CodeFetcher interface {
	FetchCode(ctx context.Context) (string, error)
}

// Driver executes the portal flows against one authenticated browser session.
type Driver struct {
	cfg   config.PortalConfig
	codes CodeFetcher
	log   *zap.Logger
}

// NewDriver wires a Driver for the configured portal and mailbox.
func NewDriver(cfg config.PortalConfig, codes CodeFetcher, logger *zap.Logger) *Driver {
	return &Driver{
		cfg:   cfg,
		codes: codes,
		log:   logger.Named("portal"),
	}
}

// Login authenticates the session, completing the email verification
// challenge when the portal presents one. A session whose profile already
// carries valid cookies lands on the dashboard directly and returns early.
func (d *Driver) Login(ctx context.Context, page Page) error {
	if err := page.Navigate(ctx, d.cfg.LoginURL); err != nil {
		return stepErr("open login page", err)
	}
	d.screenshot(ctx, page, "login_page")

	url, err := page.CurrentURL(ctx)
	if err != nil {
		return stepErr("read login url", err)
	}
	if !strings.Contains(url, "/auth") {
		d.log.Info("Session already authenticated, skipping login", zap.String("url", url))
		return nil
	}

	if err := page.WaitVisible(ctx, `input[name="Username"]`, fieldTimeout); err != nil {
		return stepErr("wait for login form", err)
	}
	if err := page.Type(ctx, `input[name="Username"]`, d.cfg.Username); err != nil {
		return stepErr("enter username", err)
	}
	page.Sleep(ctx, 500*time.Millisecond)
	if err := page.Type(ctx, `input[name="Password"]`, d.cfg.Password); err != nil {
		return stepErr("enter password", err)
	}
	page.Sleep(ctx, 500*time.Millisecond)

	// Remember-me is best effort; some portal skins omit the checkbox.
	if err := page.SetChecked(ctx, `input[type="checkbox"]`, true); err != nil {
		d.log.Debug("Remember-me checkbox not set", zap.Error(err))
	}

	d.screenshot(ctx, page, "before_login")
	if err := page.ClickByText(ctx, `button, input[type="submit"]`, "LOGIN"); err != nil {
		return stepErr("submit login form", err)
	}
	page.Sleep(ctx, 3*time.Second)
	url = d.settle(ctx, page)

	if strings.Contains(url, "/verify") || strings.Contains(strings.ToLower(url), "verification") {
		if err := d.completeVerification(ctx, page); err != nil {
			return err
		}
		url = d.settle(ctx, page)
	}

	if strings.Contains(url, "/auth") || strings.Contains(url, "/verify") {
		banner, _ := page.Text(ctx, `.error, .alert, [class*="error"]`)
		d.screenshot(ctx, page, "login_rejected")
		if banner != "" {
			return fmt.Errorf("%w: %s", ErrAuthRejected, banner)
		}
		return fmt.Errorf("%w: still on %s after submit", ErrAuthRejected, url)
	}

	d.screenshot(ctx, page, "after_login")
	d.log.Info("Portal login succeeded", zap.String("url", url))
	return nil
}

// completeVerification fetches the emailed code and submits it on the 2FA
// page the session is currently parked on.
func (d *Driver) completeVerification(ctx context.Context, page Page) error {
	d.log.Info("Verification challenge detected, fetching code from mailbox")
	d.screenshot(ctx, page, "2fa_page")

	if err := page.Sleep(ctx, mailGraceDelay); err != nil {
		return stepErr("wait for verification email", err)
	}
	code, err := d.codes.FetchCode(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodeUnobtainable, err)
	}
	d.log.Info("Verification code retrieved", zap.Int("length", len(code)))

	if err := typeFirst(ctx, page, code,
		`input[name="Token"]`,
		`input#Token`,
		`input[type="text"]`,
	); err != nil {
		return stepErr("enter verification code", err)
	}

	// Marking the device trusted spares future runs the challenge; not all
	// tenants render the checkbox.
	if err := setCheckedFirst(ctx, page, true,
		`input#rememberDevice`,
		`input[name="rememberDevice"]`,
		`input[type="checkbox"]`,
	); err != nil {
		d.log.Debug("Trusted-device checkbox not set", zap.Error(err))
	}

	d.screenshot(ctx, page, "before_2fa_submit")
	if err := page.ClickByText(ctx, `button, input[type="submit"]`, "CONTINUE"); err != nil {
		return stepErr("submit verification code", err)
	}
	page.Sleep(ctx, 3*time.Second)
	return nil
}

// settle polls the address bar until it stops changing or the window runs
// out, and returns the last URL seen. The portal chains redirects after both
// submits, so a single read races the navigation.
func (d *Driver) settle(ctx context.Context, page Page) string {
	deadline := time.Now().Add(settleTimeout)
	last, _ := page.CurrentURL(ctx)
	for time.Now().Before(deadline) {
		if err := page.Sleep(ctx, settlePoll); err != nil {
			return last
		}
		url, err := page.CurrentURL(ctx)
		if err != nil {
			continue
		}
		if url == last {
			return url
		}
		last = url
	}
	return last
}

// screenshot captures a labeled frame, logging instead of failing when the
// capture itself breaks.
func (d *Driver) screenshot(ctx context.Context, page Page, label string) {
	if err := page.CaptureScreenshot(ctx, label); err != nil {
		d.log.Debug("Screenshot failed", zap.String("label", label), zap.Error(err))
	}
}
