// File: internal/browser/trace.go
package browser

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// traceEvent is one line of the archive's network.jsonl.
type traceEvent struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Method string    `json:"method,omitempty"`
	URL    string    `json:"url,omitempty"`
	Status int64     `json:"status,omitempty"`
	MIME   string    `json:"mime_type,omitempty"`
	Level  string    `json:"level,omitempty"`
	Text   string    `json:"text,omitempty"`
}

type traceAttachment struct {
	Label string
	Data  []byte
}

type traceMeta struct {
	TraceID     string    `json:"trace_id"`
	TaskID      string    `json:"task_id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Events      int       `json:"events"`
	Screenshots int       `json:"screenshots"`
	Pages       int       `json:"pages"`
}

// TraceRecorder buffers CDP traffic summaries, console output, screenshots,
// and HTML snapshots for one session, then packs them into a zip on close.
type TraceRecorder struct {
	logger    *zap.Logger
	traceID   string
	taskID    string
	startedAt time.Time

	mu          sync.Mutex
	events      []traceEvent
	screenshots []traceAttachment
	pages       []traceAttachment
}

// startTraceRecorder enables the network and log domains on the session and
// begins buffering events. The listener dies with the session context.
func startTraceRecorder(sessCtx context.Context, logger *zap.Logger, traceID, taskID string) (*TraceRecorder, error) {
	if err := chromedp.Run(sessCtx, network.Enable(), cdplog.Enable()); err != nil {
		return nil, fmt.Errorf("enabling trace domains: %w", err)
	}

	r := &TraceRecorder{
		logger:    logger.Named("trace"),
		traceID:   traceID,
		taskID:    taskID,
		startedAt: time.Now(),
	}

	chromedp.ListenTarget(sessCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *network.EventRequestWillBeSent:
			r.append(traceEvent{
				At:     time.Now(),
				Kind:   "request",
				Method: ev.Request.Method,
				URL:    ev.Request.URL,
			})
		case *network.EventResponseReceived:
			r.append(traceEvent{
				At:     time.Now(),
				Kind:   "response",
				URL:    ev.Response.URL,
				Status: ev.Response.Status,
				MIME:   ev.Response.MimeType,
			})
		case *page.EventFrameNavigated:
			if ev.Frame.ParentID == "" {
				r.append(traceEvent{At: time.Now(), Kind: "navigation", URL: ev.Frame.URL})
			}
		case *cdplog.EventEntryAdded:
			r.append(traceEvent{
				At:    time.Now(),
				Kind:  "console",
				Level: string(ev.Entry.Level),
				Text:  ev.Entry.Text,
			})
		}
	})

	return r, nil
}

func (r *TraceRecorder) append(ev traceEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// AddScreenshot stores a PNG under the given step label.
func (r *TraceRecorder) AddScreenshot(label string, png []byte) {
	r.mu.Lock()
	r.screenshots = append(r.screenshots, traceAttachment{Label: label, Data: png})
	r.mu.Unlock()
}

// AddPageSnapshot stores the page HTML under the given step label.
func (r *TraceRecorder) AddPageSnapshot(label, html string) {
	r.mu.Lock()
	r.pages = append(r.pages, traceAttachment{Label: label, Data: []byte(html)})
	r.mu.Unlock()
}

// WriteArchive packs everything recorded so far into a zip at path.
func (r *TraceRecorder) WriteArchive(path string) (err error) {
	r.mu.Lock()
	events := append([]traceEvent(nil), r.events...)
	screenshots := append([]traceAttachment(nil), r.screenshots...)
	pages := append([]traceAttachment(nil), r.pages...)
	r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating trace directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating trace archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing trace archive: %w", cerr)
		}
	}()

	zw := zip.NewWriter(f)

	meta := traceMeta{
		TraceID:     r.traceID,
		TaskID:      r.taskID,
		StartedAt:   r.startedAt,
		EndedAt:     time.Now(),
		Events:      len(events),
		Screenshots: len(screenshots),
		Pages:       len(pages),
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding trace metadata: %w", err)
	}
	if err := writeZipEntry(zw, "meta.json", metaJSON); err != nil {
		return err
	}

	var lines strings.Builder
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			r.logger.Debug("Skipping unencodable trace event", zap.Error(err))
			continue
		}
		lines.Write(line)
		lines.WriteByte('\n')
	}
	if err := writeZipEntry(zw, "network.jsonl", []byte(lines.String())); err != nil {
		return err
	}

	for i, shot := range screenshots {
		name := fmt.Sprintf("screenshots/%03d_%s.png", i+1, safeLabel(shot.Label))
		if err := writeZipEntry(zw, name, shot.Data); err != nil {
			return err
		}
	}
	for i, snap := range pages {
		name := fmt.Sprintf("pages/%03d_%s.html", i+1, safeLabel(snap.Label))
		if err := writeZipEntry(zw, name, snap.Data); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing trace archive: %w", err)
	}
	return nil
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("creating archive entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing archive entry %s: %w", name, err)
	}
	return nil
}

func safeLabel(label string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, label)
	if clean == "" {
		return "step"
	}
	return clean
}
