package schemas

import "time"

// -- HTTP Response Schemas --

// SubmissionAccepted is the 202 body returned for an accepted webhook job.
type SubmissionAccepted struct {
	Status     string `json:"status"`
	TaskID     string `json:"task_id"`
	PolicyCode string `json:"policy_code,omitempty"`
	Message    string `json:"message"`
	StatusURL  string `json:"status_url"`
}

// ErrorResponse is the uniform error body for 4xx/5xx answers.
type ErrorResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type,omitempty"`
}

// HealthStatus answers the liveness probe.
type HealthStatus struct {
	Status        string    `json:"status"`
	Service       string    `json:"service"`
	Timestamp     time.Time `json:"timestamp"`
	ActiveWorkers int       `json:"active_workers"`
	MaxWorkers    int       `json:"max_workers"`
	QueueSize     int       `json:"queue_size"`
}

// QueueStatus is the point-in-time snapshot of the dispatch machinery.
type QueueStatus struct {
	QueueSize     int  `json:"queue_size"`
	ActiveWorkers int  `json:"active_workers"`
	MaxWorkers    int  `json:"max_workers"`
	BrowserInUse  bool `json:"browser_in_use"`
}

// TaskList enumerates every task the registry still remembers.
type TaskList struct {
	Tasks         []TaskRecord `json:"tasks"`
	Total         int          `json:"total"`
	ActiveWorkers int          `json:"active_workers"`
	MaxWorkers    int          `json:"max_workers"`
	QueueSize     int          `json:"queue_size"`
}

// TraceInfo describes one archived browser trace on disk.
type TraceInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// TraceList enumerates the downloadable trace archives.
type TraceList struct {
	Traces []TraceInfo `json:"traces"`
	Total  int         `json:"total"`
}
