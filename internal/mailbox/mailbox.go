// File: internal/mailbox/mailbox.go
// Package mailbox retrieves one-time verification codes from the inbox the
// carrier portal sends its 2FA challenges to. The portal emails a six digit
// code on every login from a fresh browser profile; the fetcher polls the
// mailbox until a fresh code shows up or the retry budget runs out.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/internal/config"
)

// ErrCodeNotFound is returned when every retry has been exhausted without a
// usable verification code.
var ErrCodeNotFound = errors.New("mailbox: verification code not found")

// Message is one scanned inbox entry, already decoded to text.
type Message struct {
	From    string
	Subject string
	Date    time.Time
	Body    string
}

// Client lists recent messages from the configured mailbox, newest first.
// Implementations are single-use: one scan, then Close.
type Client interface {
	RecentMessages(ctx context.Context, since time.Time, limit int) ([]Message, error)
	Close() error
}

// DialFunc opens a fresh mailbox session. The fetcher dials per attempt so a
// dropped IMAP connection never poisons later retries.
type DialFunc func(ctx context.Context) (Client, error)

var (
	// The portal's mail template reads "Your verification code is 123456".
	codePhrasePattern = regexp.MustCompile(`(?i)verification code is\s+(\d{6})`)
	// Fallback for template changes: any standalone six digit group.
	codeFallbackPattern = regexp.MustCompile(`\b(\d{6})\b`)
)

// ExtractCode pulls a six digit verification code out of a message body. It
// prefers the known template phrase and falls back to any standalone six
// digit group.
func ExtractCode(body string) (string, bool) {
	if m := codePhrasePattern.FindStringSubmatch(body); m != nil {
		return m[1], true
	}
	if m := codeFallbackPattern.FindStringSubmatch(body); m != nil {
		return m[1], true
	}
	return "", false
}

// Fetcher polls the mailbox for a fresh verification code.
type Fetcher struct {
	cfg  config.MailboxConfig
	dial DialFunc
	log  *zap.Logger
	now  func() time.Time
}

// NewFetcher builds a Fetcher backed by a real IMAP connection.
func NewFetcher(cfg config.MailboxConfig, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		cfg: cfg,
		dial: func(ctx context.Context) (Client, error) {
			return dialIMAP(ctx, cfg)
		},
		log: logger.Named("mailbox"),
		now: time.Now,
	}
}

// FetchCode polls the mailbox until a fresh code arrives. Each attempt opens
// its own session; failed attempts are logged and retried after the
// configured delay. Returns ErrCodeNotFound once the retry budget is spent.
func (f *Fetcher) FetchCode(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		code, err := f.scanOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			f.log.Warn("Mailbox scan failed",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", f.cfg.MaxRetries),
				zap.Error(err))
		} else if code != "" {
			f.log.Info("Verification code found", zap.Int("attempt", attempt))
			return code, nil
		} else {
			f.log.Info("No fresh verification code yet",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", f.cfg.MaxRetries))
		}

		if attempt < f.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(f.cfg.RetryDelay):
			}
		}
	}
	return "", ErrCodeNotFound
}

// scanOnce opens a session, scans the most recent messages, and returns the
// first fresh code. An empty code with nil error means "nothing yet".
func (f *Fetcher) scanOnce(ctx context.Context) (string, error) {
	client, err := f.dial(ctx)
	if err != nil {
		return "", fmt.Errorf("connecting to mailbox: %w", err)
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			f.log.Debug("Mailbox session close failed", zap.Error(cerr))
		}
	}()

	since := f.now().Add(-f.cfg.SearchWindow)
	messages, err := client.RecentMessages(ctx, since, f.cfg.ScanLimit)
	if err != nil {
		return "", err
	}

	for _, msg := range messages {
		if !f.fromPortal(msg) {
			continue
		}
		if age := f.now().Sub(msg.Date); age > f.cfg.Freshness {
			f.log.Debug("Skipping stale portal message",
				zap.String("subject", msg.Subject),
				zap.Duration("age", age))
			continue
		}
		if code, ok := ExtractCode(msg.Body); ok {
			return code, nil
		}
	}
	return "", nil
}

// fromPortal reports whether a message looks like a carrier 2FA mail. The
// keyword match runs over both sender and subject because the portal has
// changed its From address before.
func (f *Fetcher) fromPortal(msg Message) bool {
	keyword := strings.ToLower(f.cfg.SenderKeyword)
	if keyword == "" {
		return true
	}
	return strings.Contains(strings.ToLower(msg.From), keyword) ||
		strings.Contains(strings.ToLower(msg.Subject), keyword)
}
