package schemas

import (
	"fmt"
	"time"
)

// -- Task Schemas --

// TaskStatus tracks an automation job through its lifecycle. A task is
// created on webhook receipt and only ever moves forward; terminal
// statuses are never overwritten.
type TaskStatus string

const (
	// StatusQueued means the task is sitting in the queue with no free worker.
	StatusQueued TaskStatus = "queued"
	// StatusWaitingForBrowser means a worker picked the task up and is
	// blocked on the global browser slot.
	StatusWaitingForBrowser TaskStatus = "waiting_for_browser"
	// StatusRunning means the browser slot is held and automation is executing.
	StatusRunning TaskStatus = "running"
	// StatusCompleted means the quote wizard finished for the policy.
	StatusCompleted TaskStatus = "completed"
	// StatusFailed means a portal step failed in an expected way (bad login,
	// missing panel, timeout).
	StatusFailed TaskStatus = "failed"
	// StatusError means the pipeline blew up somewhere unexpected.
	StatusError TaskStatus = "error"
)

// IsTerminal reports whether the status ends the task lifecycle.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError:
		return true
	}
	return false
}

// NewTaskID synthesizes an identifier for submissions that did not carry one.
// The policy code lands in the id so operators can grep traces by policy.
func NewTaskID(policyCode string, now time.Time) string {
	code := policyCode
	if code == "" {
		code = "new"
	}
	return fmt.Sprintf("guard_%s_%s", code, now.Format("20060102_150405"))
}

// TaskRecord is the authoritative in-memory state of one automation job.
// HTTP handlers only ever see copies of it; the engine owns the original.
type TaskRecord struct {
	TaskID        string       `json:"task_id"`
	SubmissionID  string       `json:"submission_id,omitempty"`
	PolicyCode    string       `json:"policy_code,omitempty"`
	CreateAccount bool         `json:"create_account,omitempty"`
	Status        TaskStatus   `json:"status"`
	QueuePosition int          `json:"queue_position"`
	Quote         QuoteData    `json:"quote_data"`
	Account       *AccountData `json:"account_data,omitempty"`

	// Result fields, populated at terminal status.
	Message  string `json:"message,omitempty"`
	QuoteURL string `json:"quotation_url,omitempty"`
	Error    string `json:"error,omitempty"`
	Detail   string `json:"detail,omitempty"`

	QueuedAt    time.Time  `json:"queued_at"`
	PickedAt    *time.Time `json:"picked_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (r *TaskRecord) Clone() TaskRecord {
	out := *r
	if r.Account != nil {
		acct := *r.Account
		if r.Account.LinesOfBusiness != nil {
			acct.LinesOfBusiness = append([]string(nil), r.Account.LinesOfBusiness...)
		}
		out.Account = &acct
	}
	out.PickedAt = cloneTime(r.PickedAt)
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.FailedAt = cloneTime(r.FailedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TaskResult is what the automation worker hands back to the engine on
// success. The engine folds it into the task record.
type TaskResult struct {
	PolicyCode string `json:"policy_code"`
	QuoteURL   string `json:"quotation_url,omitempty"`
	Message    string `json:"message"`
}
