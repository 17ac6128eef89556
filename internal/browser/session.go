// File: internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	clickTimeout    = 30 * time.Second
	typeTimeout     = 15 * time.Second
	probeTimeout    = 5 * time.Second
	gracefulClose   = 10 * time.Second
	urlPollInterval = 250 * time.Millisecond
)

// Session is one browser tab over a dedicated Chrome process. All primitives
// honor both the session lifetime and the caller's context.
type Session struct {
	taskID  string
	traceID string
	logger  *zap.Logger

	navTimeout   time.Duration
	postLoadWait time.Duration
	screenshots  string
	tracePath    string

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	recorder    *TraceRecorder
	onClose     func()

	mu          sync.Mutex
	isClosed    bool
	shotCounter int
}

// combineContext derives a context that carries the session's CDP target but
// is also canceled when the caller's context ends.
func (s *Session) combineContext(ctx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(s.ctx)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := s.combineContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads the URL, waits for the document body, and lets async
// bootstrapping settle for the configured post-load period.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating", zap.String("url", url))

	opCtx, opCancel := s.combineContext(ctx)
	defer opCancel()

	navTimeout := s.navTimeout
	if navTimeout <= 0 {
		navTimeout = 60 * time.Second
	}
	navCtx, navCancel := context.WithTimeout(opCtx, navTimeout)
	defer navCancel()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if navCtx.Err() == context.DeadlineExceeded && opCtx.Err() == nil {
			return fmt.Errorf("navigation to %s timed out after %s: %w", url, navTimeout, err)
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}

	if s.postLoadWait > 0 {
		return s.Sleep(ctx, s.postLoadWait)
	}
	return nil
}

// WaitVisible blocks until the selector matches a visible element.
func (s *Session) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.runActions(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("element '%s' not visible within %s: %w", selector, timeout, err)
	}
	return nil
}

// Click scrolls to the element, waits for visibility, and clicks it.
func (s *Session) Click(ctx context.Context, selector string) error {
	s.logger.Debug("Clicking element", zap.String("selector", selector))

	clickCtx, cancel := context.WithTimeout(ctx, clickTimeout)
	defer cancel()

	err := s.runActions(clickCtx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click failed for selector '%s': %w", selector, err)
	}
	return nil
}

// ClickIfPresent clicks the element when it exists and reports whether a
// click happened. Absence is not an error.
func (s *Session) ClickIfPresent(ctx context.Context, selector string, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !s.Probe(probeCtx, selector) {
		return false
	}
	if err := s.Click(probeCtx, selector); err != nil {
		s.logger.Debug("Optional element present but not clickable", zap.String("selector", selector), zap.Error(err))
		return false
	}
	return true
}

// Type clears the field and sends the text as key events so the portal's
// input handlers fire.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	s.logger.Debug("Typing into element", zap.String("selector", selector), zap.Int("text_length", len(text)))

	typeCtx, cancel := context.WithTimeout(ctx, typeTimeout)
	defer cancel()

	err := s.runActions(typeCtx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type failed for selector '%s': %w", selector, err)
	}
	return nil
}

// Select picks an option by value, falling back to visible label, and fires
// input/change so cascading selects repopulate.
func (s *Session) Select(ctx context.Context, selector, value string) error {
	s.logger.Debug("Selecting option", zap.String("selector", selector), zap.String("value", value))

	selectCtx, cancel := context.WithTimeout(ctx, clickTimeout)
	defer cancel()

	script := fmt.Sprintf(`(function() {
		const el = document.querySelector(%s);
		if (!el) { return "missing"; }
		const want = %s;
		let matched = false;
		for (const opt of el.options) {
			if (opt.value === want || opt.text.trim() === want) {
				el.value = opt.value;
				matched = true;
				break;
			}
		}
		if (!matched) { return "nooption"; }
		el.dispatchEvent(new Event("input", {bubbles: true}));
		el.dispatchEvent(new Event("change", {bubbles: true}));
		return "ok";
	})()`, strconv.Quote(selector), strconv.Quote(value))

	var status string
	err := s.runActions(selectCtx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Evaluate(script, &status),
	)
	if err != nil {
		return fmt.Errorf("select failed for selector '%s': %w", selector, err)
	}
	switch status {
	case "ok":
		return nil
	case "missing":
		return fmt.Errorf("select '%s' disappeared before the option could be set", selector)
	default:
		return fmt.Errorf("select '%s' has no option matching '%s'", selector, value)
	}
}

// ClickByText clicks the first selector match whose text content or value
// contains the fragment, case-insensitively. The portal's submit buttons have
// no stable ids, only labels like LOGIN and CONTINUE.
func (s *Session) ClickByText(ctx context.Context, selector, text string) error {
	s.logger.Debug("Clicking element by text", zap.String("selector", selector), zap.String("text", text))

	clickCtx, cancel := context.WithTimeout(ctx, clickTimeout)
	defer cancel()

	script := fmt.Sprintf(`(function() {
		const want = %s.toLowerCase();
		for (const el of document.querySelectorAll(%s)) {
			const label = ((el.textContent || "") + " " + (el.value || "")).toLowerCase();
			if (label.includes(want)) {
				el.scrollIntoView({block: "center"});
				el.click();
				return "ok";
			}
		}
		return "missing";
	})()`, strconv.Quote(text), strconv.Quote(selector))

	var status string
	if err := s.runActions(clickCtx, chromedp.Evaluate(script, &status)); err != nil {
		return fmt.Errorf("text click failed for selector '%s' text '%s': %w", selector, text, err)
	}
	if status != "ok" {
		return fmt.Errorf("no element matching selector '%s' with text '%s'", selector, text)
	}
	return nil
}

// SetChecked drives a checkbox or radio to the wanted state. A click is used
// rather than a property write so the portal's handlers run.
func (s *Session) SetChecked(ctx context.Context, selector string, checked bool) error {
	s.logger.Debug("Setting checked state", zap.String("selector", selector), zap.Bool("checked", checked))

	checkCtx, cancel := context.WithTimeout(ctx, clickTimeout)
	defer cancel()

	script := fmt.Sprintf(`(function() {
		const el = document.querySelector(%s);
		if (!el) { return "missing"; }
		if (el.checked !== %t) { el.click(); }
		return "ok";
	})()`, strconv.Quote(selector), checked)

	var status string
	err := s.runActions(checkCtx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Evaluate(script, &status),
	)
	if err != nil {
		return fmt.Errorf("checkbox update failed for selector '%s': %w", selector, err)
	}
	if status == "missing" {
		return fmt.Errorf("checkbox '%s' not found", selector)
	}
	return nil
}

// Probe reports whether the selector matches anything right now. It never
// waits for the element to appear.
func (s *Session) Probe(ctx context.Context, selector string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	script := fmt.Sprintf(`document.querySelector(%s) !== null`, strconv.Quote(selector))

	var present bool
	if err := s.runActions(probeCtx, chromedp.Evaluate(script, &present)); err != nil {
		s.logger.Debug("Probe failed", zap.String("selector", selector), zap.Error(err))
		return false
	}
	return present
}

// Text returns the trimmed text content of the first match, or "" when the
// selector matches nothing.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	textCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	script := fmt.Sprintf(`(function() {
		const el = document.querySelector(%s);
		return el ? (el.textContent || "").trim() : "";
	})()`, strconv.Quote(selector))

	var out string
	if err := s.runActions(textCtx, chromedp.Evaluate(script, &out)); err != nil {
		return "", fmt.Errorf("reading text of '%s': %w", selector, err)
	}
	return out, nil
}

// CurrentURL returns the top frame's location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.runActions(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("reading current url: %w", err)
	}
	return url, nil
}

// WaitURLContains polls the location until it contains the fragment. The
// portal redirects through stored procedures, so the URL is the only reliable
// completion signal for several steps.
func (s *Session) WaitURLContains(ctx context.Context, fragment string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastURL string
	for {
		url, err := s.CurrentURL(waitCtx)
		if err == nil {
			lastURL = url
			if strings.Contains(url, fragment) {
				return nil
			}
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("url never contained '%s' within %s (last seen '%s'): %w",
				fragment, timeout, lastURL, waitCtx.Err())
		case <-time.After(urlPollInterval):
		}
	}
}

// PollUntil evaluates the JavaScript expression repeatedly until it is
// truthy. Used to wait out the wizard's dependent-select repopulation.
func (s *Session) PollUntil(ctx context.Context, expression string, timeout time.Duration) error {
	pollCtx, cancel := s.combineContext(ctx)
	defer cancel()

	err := chromedp.Run(pollCtx, chromedp.Poll(expression, nil,
		chromedp.WithPollingInterval(500*time.Millisecond),
		chromedp.WithPollingTimeout(timeout),
	))
	if err != nil {
		return fmt.Errorf("page condition not met within %s: %w", timeout, err)
	}
	return nil
}

// CaptureScreenshot writes a labeled PNG to the screenshots directory and,
// when tracing, embeds the image plus an HTML snapshot into the trace.
func (s *Session) CaptureScreenshot(ctx context.Context, label string) error {
	shotCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var png []byte
	var html string
	err := s.runActions(shotCtx,
		chromedp.CaptureScreenshot(&png),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("capturing screenshot '%s': %w", label, err)
	}

	s.mu.Lock()
	s.shotCounter++
	seq := s.shotCounter
	s.mu.Unlock()

	name := fmt.Sprintf("%s_%02d_%s.png", s.taskID, seq, label)
	if s.screenshots != "" {
		if err := os.WriteFile(filepath.Join(s.screenshots, name), png, 0o644); err != nil {
			s.logger.Warn("Could not persist screenshot", zap.String("name", name), zap.Error(err))
		}
	}

	if s.recorder != nil {
		s.recorder.AddScreenshot(label, png)
		s.recorder.AddPageSnapshot(label, html)
	}
	return nil
}

// Sleep pauses while still honoring the caller's and the session's contexts.
func (s *Session) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Close shuts the browser down gracefully, then writes the trace archive.
// Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session")

	// Give Chrome a bounded window to flush the profile to disk.
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.ctx) }()
	select {
	case err := <-done:
		if err != nil {
			s.logger.Debug("Browser close reported an error", zap.Error(err))
		}
	case <-time.After(gracefulClose):
		s.logger.Warn("Timed out waiting for graceful browser close")
	}

	s.cancel()
	s.allocCancel()

	if s.recorder != nil {
		archive := filepath.Join(s.tracePath, s.traceID+".zip")
		if err := s.recorder.WriteArchive(archive); err != nil {
			s.logger.Warn("Could not write trace archive", zap.String("path", archive), zap.Error(err))
		} else {
			s.logger.Info("Trace archive written", zap.String("path", archive))
		}
	}

	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
