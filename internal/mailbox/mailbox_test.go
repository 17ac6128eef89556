// File: internal/mailbox/mailbox_test.go
package mailbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/internal/config"
)

// -- Test Helpers --

type fakeMailboxClient struct {
	messages []Message
	err      error
	closed   bool
}

func (f *fakeMailboxClient) RecentMessages(_ context.Context, _ time.Time, _ int) ([]Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.messages, nil
}

func (f *fakeMailboxClient) Close() error {
	f.closed = true
	return nil
}

func testMailboxConfig() config.MailboxConfig {
	return config.MailboxConfig{
		Host:          "imap.example.com",
		Port:          993,
		SenderKeyword: "guard",
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		Freshness:     90 * time.Second,
		SearchWindow:  24 * time.Hour,
		ScanLimit:     5,
	}
}

func newTestFetcher(cfg config.MailboxConfig, dial DialFunc, now time.Time) *Fetcher {
	return &Fetcher{
		cfg:  cfg,
		dial: dial,
		log:  zap.NewNop(),
		now:  func() time.Time { return now },
	}
}

// -- Code Extraction Tests --

func TestExtractCode(t *testing.T) {
	testCases := []struct {
		name     string
		body     string
		wantCode string
		wantOK   bool
	}{
		{
			name:     "template phrase",
			body:     "Hello,\n\nYour verification code is 482913. It expires in 10 minutes.",
			wantCode: "482913",
			wantOK:   true,
		},
		{
			name:     "phrase is case insensitive",
			body:     "YOUR VERIFICATION CODE IS 003921",
			wantCode: "003921",
			wantOK:   true,
		},
		{
			name:     "phrase wins over earlier digit groups",
			body:     "Ref 111111. Your verification code is 482913.",
			wantCode: "482913",
			wantOK:   true,
		},
		{
			name:     "fallback to standalone six digits",
			body:     "<html><body><p>Use code <b>771204</b> to continue.</p></body></html>",
			wantCode: "771204",
			wantOK:   true,
		},
		{
			name:   "seven digit group is not a code",
			body:   "Your order number is 1234567.",
			wantOK: false,
		},
		{
			name:   "no digits at all",
			body:   "Welcome to the portal.",
			wantOK: false,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			code, ok := ExtractCode(tc.body)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantCode, code)
		})
	}
}

// -- Fetch Loop Tests --

func TestFetchCode(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)

	t.Run("returns a fresh code on the first attempt", func(t *testing.T) {
		client := &fakeMailboxClient{messages: []Message{
			{
				From:    "GUARD Portal <no-reply@guard.com>",
				Subject: "Login Verification",
				Date:    now.Add(-30 * time.Second),
				Body:    "Your verification code is 482913.",
			},
		}}
		fetcher := newTestFetcher(testMailboxConfig(), func(context.Context) (Client, error) {
			return client, nil
		}, now)

		code, err := fetcher.FetchCode(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "482913", code)
		assert.True(t, client.closed, "session must be closed after the scan")
	})

	t.Run("ignores stale codes", func(t *testing.T) {
		client := &fakeMailboxClient{messages: []Message{
			{
				From:    "no-reply@guard.com",
				Subject: "Login Verification",
				Date:    now.Add(-5 * time.Minute),
				Body:    "Your verification code is 482913.",
			},
		}}
		fetcher := newTestFetcher(testMailboxConfig(), func(context.Context) (Client, error) {
			return client, nil
		}, now)

		_, err := fetcher.FetchCode(context.Background())
		assert.ErrorIs(t, err, ErrCodeNotFound)
	})

	t.Run("ignores mail from other senders", func(t *testing.T) {
		client := &fakeMailboxClient{messages: []Message{
			{
				From:    "newsletter@example.com",
				Subject: "Weekly digest",
				Date:    now.Add(-10 * time.Second),
				Body:    "Your verification code is 999999.",
			},
		}}
		fetcher := newTestFetcher(testMailboxConfig(), func(context.Context) (Client, error) {
			return client, nil
		}, now)

		_, err := fetcher.FetchCode(context.Background())
		assert.ErrorIs(t, err, ErrCodeNotFound)
	})

	t.Run("matches the keyword in the subject", func(t *testing.T) {
		client := &fakeMailboxClient{messages: []Message{
			{
				From:    "no-reply@berkshire.example.com",
				Subject: "Your GUARD verification code",
				Date:    now.Add(-10 * time.Second),
				Body:    "Your verification code is 115533.",
			},
		}}
		fetcher := newTestFetcher(testMailboxConfig(), func(context.Context) (Client, error) {
			return client, nil
		}, now)

		code, err := fetcher.FetchCode(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "115533", code)
	})

	t.Run("uses the newest matching message", func(t *testing.T) {
		client := &fakeMailboxClient{messages: []Message{
			{
				From:    "no-reply@guard.com",
				Subject: "Login Verification",
				Date:    now.Add(-5 * time.Second),
				Body:    "Your verification code is 222222.",
			},
			{
				From:    "no-reply@guard.com",
				Subject: "Login Verification",
				Date:    now.Add(-40 * time.Second),
				Body:    "Your verification code is 111111.",
			},
		}}
		fetcher := newTestFetcher(testMailboxConfig(), func(context.Context) (Client, error) {
			return client, nil
		}, now)

		code, err := fetcher.FetchCode(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "222222", code)
	})

	t.Run("spends the whole retry budget before giving up", func(t *testing.T) {
		var attempts atomic.Int32
		fetcher := newTestFetcher(testMailboxConfig(), func(context.Context) (Client, error) {
			attempts.Add(1)
			return &fakeMailboxClient{}, nil
		}, now)

		_, err := fetcher.FetchCode(context.Background())
		assert.ErrorIs(t, err, ErrCodeNotFound)
		assert.Equal(t, int32(3), attempts.Load(), "one scan per configured retry")
	})

	t.Run("recovers from a failed dial", func(t *testing.T) {
		var attempts atomic.Int32
		fetcher := newTestFetcher(testMailboxConfig(), func(context.Context) (Client, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("connection reset")
			}
			return &fakeMailboxClient{messages: []Message{
				{
					From:    "no-reply@guard.com",
					Subject: "Login Verification",
					Date:    now.Add(-10 * time.Second),
					Body:    "Your verification code is 482913.",
				},
			}}, nil
		}, now)

		code, err := fetcher.FetchCode(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "482913", code)
		assert.Equal(t, int32(2), attempts.Load())
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		cfg := testMailboxConfig()
		cfg.RetryDelay = time.Minute

		ctx, cancel := context.WithCancel(context.Background())
		fetcher := newTestFetcher(cfg, func(context.Context) (Client, error) {
			cancel()
			return &fakeMailboxClient{}, nil
		}, now)

		_, err := fetcher.FetchCode(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestExtractTextPayload(t *testing.T) {
	t.Run("prefers plain text over html", func(t *testing.T) {
		raw := []byte("Mime-Version: 1.0\r\n" +
			"Content-Type: multipart/alternative; boundary=b1\r\n" +
			"\r\n" +
			"--b1\r\n" +
			"Content-Type: text/plain\r\n" +
			"\r\n" +
			"Your verification code is 482913.\r\n" +
			"--b1\r\n" +
			"Content-Type: text/html\r\n" +
			"\r\n" +
			"<p>Your verification code is <b>482913</b>.</p>\r\n" +
			"--b1--\r\n")

		body := extractTextPayload(raw)
		assert.Contains(t, body, "Your verification code is 482913.")
		assert.NotContains(t, body, "<p>")
	})

	t.Run("falls back to html", func(t *testing.T) {
		raw := []byte("Mime-Version: 1.0\r\n" +
			"Content-Type: text/html\r\n" +
			"\r\n" +
			"<p>code 771204</p>\r\n")

		body := extractTextPayload(raw)
		assert.Contains(t, body, "771204")
	})

	t.Run("empty payload", func(t *testing.T) {
		assert.Empty(t, extractTextPayload(nil))
	})
}
