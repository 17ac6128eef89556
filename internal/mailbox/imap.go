// File: internal/mailbox/imap.go
package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/xkilldash9x/guardbot/internal/config"
)

// imapSession adapts an IMAP connection to the Client interface. One session
// covers a single scan: dial, search, fetch, logout.
type imapSession struct {
	client *imapclient.Client
}

// dialIMAP connects, authenticates, and selects the inbox.
func dialIMAP(ctx context.Context, cfg config.MailboxConfig) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	// Gmail app passwords get pasted with their grouping spaces intact.
	password := strings.ReplaceAll(cfg.Password, " ", "")
	if err := c.Login(cfg.Username, password).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("imap login for %s: %w", cfg.Username, err)
	}

	if _, err := c.Select("INBOX", nil).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("selecting inbox: %w", err)
	}
	return &imapSession{client: c}, nil
}

func (s *imapSession) RecentMessages(ctx context.Context, since time.Time, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{Since: since}
	data, err := s.client.Search(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching mailbox: %w", err)
	}

	nums := data.AllSeqNums()
	if len(nums) == 0 {
		return nil, nil
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	if len(nums) > limit {
		nums = nums[len(nums)-limit:]
	}

	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	buffers, err := s.client.Fetch(imap.SeqSetNum(nums...), fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	// Sequence numbers ascend with arrival order; scan newest first.
	sort.Slice(buffers, func(i, j int) bool { return buffers[i].SeqNum > buffers[j].SeqNum })

	messages := make([]Message, 0, len(buffers))
	for _, buf := range buffers {
		messages = append(messages, toMessage(buf))
	}
	return messages, nil
}

func (s *imapSession) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		return s.client.Close()
	}
	return nil
}

func toMessage(buf *imapclient.FetchMessageBuffer) Message {
	var msg Message
	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.Date = env.Date
		if len(env.From) > 0 {
			from := env.From[0]
			if from.Name != "" {
				msg.From = fmt.Sprintf("%s <%s>", from.Name, from.Addr())
			} else {
				msg.From = from.Addr()
			}
		}
	}
	msg.Body = extractTextPayload(buf.FindBodySection(&imap.FetchItemBodySection{}))
	return msg
}

// extractTextPayload walks the MIME structure and returns the text/plain
// payload, falling back to text/html, matching how the portal's templates
// are actually delivered (multipart/alternative).
func extractTextPayload(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Not parseable as a MIME message; use the raw payload.
		return string(raw)
	}

	var plain, html strings.Builder
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ctype, _, err := header.ContentType()
		if err != nil {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch ctype {
		case "text/plain":
			plain.Write(body)
		case "text/html":
			html.Write(body)
		}
	}

	if plain.Len() > 0 {
		return plain.String()
	}
	return html.String()
}
