// File: internal/notify/notifier.go
// Package notify delivers terminal task results to the configured callback
// endpoint. Delivery is best effort: a failed callback is logged and dropped,
// it never changes task state or blocks the worker pool.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/guardbot/api/schemas"
	"github.com/xkilldash9x/guardbot/internal/config"
	"github.com/xkilldash9x/guardbot/internal/network"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Notifier posts CallbackPayload documents to the callback URL. Deliveries
// are rate limited so a burst of finished tasks cannot hammer the receiver.
type Notifier struct {
	cfg     config.NotifyConfig
	client  *network.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewNotifier builds a Notifier from configuration. The underlying client
// negotiates compression and reuses connections across deliveries.
func NewNotifier(cfg config.NotifyConfig, logger *zap.Logger) *Notifier {
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.RequestTimeout = cfg.Timeout
	clientCfg.Logger = logger.Named("notify.client")

	return &Notifier{
		cfg:     cfg,
		client:  network.NewClient(clientCfg),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:     logger.Named("notify"),
	}
}

// Notify projects the task record into a callback payload and delivers it.
// A no-op when no callback URL is configured. The returned error is for the
// caller's log line only; callers must not fail the task on it.
func (n *Notifier) Notify(ctx context.Context, rec schemas.TaskRecord) error {
	if !n.cfg.Enabled() {
		return nil
	}

	payload := schemas.NewCallbackPayload(rec)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding callback payload: %w", err)
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for callback rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering callback for task %s: %w", rec.TaskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("callback endpoint returned %s for task %s: %s",
			resp.Status, rec.TaskID, strings.TrimSpace(string(detail)))
	}

	// Drain so the connection returns to the pool.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	n.log.Info("Callback delivered",
		zap.String("task_id", rec.TaskID),
		zap.String("status", string(rec.Status)))
	return nil
}
