// File: internal/worker/worker.go

// Package worker executes one GUARD automation task end to end: a login
// session that optionally creates the prospect account, followed by a quote
// session over the same browser profile so the authenticated cookies carry
// across. One GuardWorker instance serves the whole pool; per-task state
// lives in the sessions it opens.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/api/schemas"
	"github.com/xkilldash9x/guardbot/internal/browser"
	"github.com/xkilldash9x/guardbot/internal/config"
	"github.com/xkilldash9x/guardbot/internal/portal"
)

// -- Interfaces for Dependency Inversion --

// Session is the slice of a browser session the worker drives: the portal
// page primitives plus teardown.
type Session interface {
	portal.Page
	Close(ctx context.Context) error
}

// Real browser sessions must be able to back the portal driver.
var _ Session = (*browser.Session)(nil)

// Sessions builds browser sessions. ManagerFactory is the production
// implementation; tests substitute scripted ones.
type Sessions interface {
	NewSession(ctx context.Context, p browser.SessionParams) (Session, error)
}

// Portal is the slice of the portal driver the worker invokes.
type Portal interface {
	Login(ctx context.Context, page portal.Page) error
	CreateProspect(ctx context.Context, page portal.Page, account schemas.AccountData) (policyCode, quoteURL string, err error)
	RunQuote(ctx context.Context, page portal.Page, quoteURL string, quote schemas.QuoteData) error
}

var _ Portal = (*portal.Driver)(nil)

// ManagerFactory adapts *browser.Manager to the Sessions interface.
type ManagerFactory struct {
	Manager *browser.Manager
}

func (f ManagerFactory) NewSession(ctx context.Context, p browser.SessionParams) (Session, error) {
	s, err := f.Manager.NewSession(ctx, p)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GuardWorker turns task records into portal activity. It satisfies the
// engine's Worker contract.
type GuardWorker struct {
	cfg      config.Interface
	logger   *zap.Logger
	sessions Sessions
	portal   Portal
}

// New creates a GuardWorker. Dependencies arrive as interfaces so the
// composition root supplies the real browser manager and portal driver while
// tests inject fakes.
func New(cfg config.Interface, logger *zap.Logger, sessions Sessions, driver Portal) (*GuardWorker, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if sessions == nil {
		return nil, errors.New("session factory cannot be nil")
	}
	if driver == nil {
		return nil, errors.New("portal driver cannot be nil")
	}

	return &GuardWorker{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "worker")),
		sessions: sessions,
		portal:   driver,
	}, nil
}

// Run executes the task. Phase one authenticates and, when requested,
// creates the prospect account; phase two opens a fresh session over the
// same profile and walks the quote wizard. Each phase writes its own trace
// archive: the login phase under the task id, the quote phase under
// quote_{task id}.
func (w *GuardWorker) Run(ctx context.Context, task schemas.TaskRecord) (schemas.TaskResult, error) {
	log := w.logger.With(zap.String("task_id", task.TaskID))
	log.Info("Starting GUARD automation",
		zap.Bool("create_account", task.CreateAccount),
		zap.String("policy_code", task.PolicyCode))

	profileDir := w.profileDir(task.TaskID)
	policyCode := task.PolicyCode
	var quoteURL string

	// Phase 1: authenticate, creating the prospect when asked. A fresh
	// profile takes the 2FA challenge here; the quote session below rides
	// the persisted cookies.
	err := w.withSession(ctx, browser.SessionParams{
		TaskID:     task.TaskID,
		TraceID:    task.TaskID,
		ProfileDir: profileDir,
	}, log, func(s Session) error {
		if err := w.portal.Login(ctx, s); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if !task.CreateAccount {
			return nil
		}

		account := task.Account
		if account == nil {
			defaults := schemas.DefaultAccountData(time.Now())
			account = &defaults
			log.Info("No account payload supplied, using stock prospect data")
		}
		code, url, err := w.portal.CreateProspect(ctx, s, *account)
		if err != nil {
			return fmt.Errorf("account creation: %w", err)
		}
		policyCode = code
		quoteURL = url
		log.Info("Prospect account created", zap.String("policy_code", code))
		return nil
	})
	if err != nil {
		return schemas.TaskResult{}, err
	}

	if policyCode == "" {
		return schemas.TaskResult{}, errors.New(
			"no policy code to quote: submission carried none and account creation was not requested")
	}
	if quoteURL == "" {
		quoteURL = w.cfg.Portal().QuoteURL(policyCode)
	}

	// Phase 2: fresh session, same profile. Login is a cheap pass-through
	// when the cookies survived; the wizard does the real work.
	err = w.withSession(ctx, browser.SessionParams{
		TaskID:     task.TaskID,
		TraceID:    "quote_" + task.TaskID,
		ProfileDir: profileDir,
	}, log, func(s Session) error {
		if err := w.portal.Login(ctx, s); err != nil {
			return fmt.Errorf("quote session login: %w", err)
		}
		if err := w.portal.RunQuote(ctx, s, quoteURL, task.Quote); err != nil {
			return fmt.Errorf("quote wizard: %w", err)
		}
		return nil
	})
	if err != nil {
		return schemas.TaskResult{}, err
	}

	log.Info("GUARD automation finished", zap.String("policy_code", policyCode))
	return schemas.TaskResult{
		PolicyCode: policyCode,
		QuoteURL:   quoteURL,
		Message:    fmt.Sprintf("Quote automation completed successfully for policy %s", policyCode),
	}, nil
}

// profileDir resolves the browser profile for this task. By default every
// task shares the configured profile, so the remember-device cookie from one
// 2FA challenge covers later logins; clearing browser.default_profile
// isolates each task in its own directory instead.
func (w *GuardWorker) profileDir(taskID string) string {
	id := taskID
	if p := w.cfg.Browser().DefaultProfile; p != "" {
		id = p
	}
	return w.cfg.Paths().SessionDir(id)
}

// withSession opens one browser session, runs fn, and always closes the
// session so the trace archive lands even when fn fails.
func (w *GuardWorker) withSession(ctx context.Context, params browser.SessionParams, log *zap.Logger, fn func(Session) error) error {
	sess, err := w.sessions.NewSession(ctx, params)
	if err != nil {
		return fmt.Errorf("starting browser session %s: %w", params.TraceID, err)
	}
	defer func() {
		if cerr := sess.Close(ctx); cerr != nil {
			log.Warn("Browser session close failed",
				zap.String("trace_id", params.TraceID), zap.Error(cerr))
		}
	}()
	return fn(sess)
}
