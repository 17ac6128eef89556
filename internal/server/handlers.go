// File: internal/server/handlers.go
package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/api/schemas"
	"github.com/xkilldash9x/guardbot/internal/engine"
)

// respond writes v through json-iterator rather than gin's default encoder.
func (s *Server) respond(c *gin.Context, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Could not encode response body", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json; charset=utf-8", body)
}

func (s *Server) respondError(c *gin.Context, status int, message, errorType string) {
	s.respond(c, status, schemas.ErrorResponse{
		Status:    "error",
		Message:   message,
		ErrorType: errorType,
	})
}

// handleWebhook accepts an automation job and returns immediately; callers
// poll the status URL or wait for the callback.
func (s *Server) handleWebhook(c *gin.Context) {
	var req schemas.WebhookRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid JSON payload: "+err.Error(), "validation")
		return
	}

	// Cross-field rule: a quote needs either an existing policy code or an
	// account-creation request that will mint one.
	if err := binding.Validator.ValidateStruct(&req); err != nil {
		s.respondError(c, http.StatusBadRequest,
			"policy_code is required (or set create_account to true)", "validation")
		return
	}

	if req.Action != "" && req.Action != schemas.ActionStartAutomation {
		s.respondError(c, http.StatusBadRequest,
			fmt.Sprintf("Unknown action: %s", req.Action), "validation")
		return
	}

	req.Normalize(time.Now())

	rec, err := s.queue.Enqueue(req.ToTaskRecord())
	if err != nil {
		if errors.Is(err, engine.ErrQueueFull) {
			s.respondError(c, http.StatusServiceUnavailable,
				"task queue is full, retry later", "queue_full")
			return
		}
		s.respondError(c, http.StatusServiceUnavailable, err.Error(), "unavailable")
		return
	}

	s.logger.Info("Automation task accepted",
		zap.String("task_id", rec.TaskID),
		zap.String("policy_code", rec.PolicyCode),
		zap.Bool("create_account", rec.CreateAccount),
		zap.String("initial_status", string(rec.Status)))

	s.respond(c, http.StatusAccepted, schemas.SubmissionAccepted{
		Status:     "accepted",
		TaskID:     rec.TaskID,
		PolicyCode: rec.PolicyCode,
		Message:    "Guard automation task started",
		StatusURL:  fmt.Sprintf("/task/%s/status", rec.TaskID),
	})
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	id := c.Param("id")
	rec, ok := s.registry.Get(id)
	if !ok {
		s.respondError(c, http.StatusNotFound, fmt.Sprintf("Task %s not found", id), "not_found")
		return
	}
	s.respond(c, http.StatusOK, rec)
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.queue.Stats()
	s.respond(c, http.StatusOK, schemas.HealthStatus{
		Status:        "healthy",
		Service:       "guard-automation",
		Timestamp:     time.Now().UTC(),
		ActiveWorkers: stats.ActiveWorkers,
		MaxWorkers:    stats.MaxWorkers,
		QueueSize:     stats.QueueSize,
	})
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks := s.registry.List()
	if tasks == nil {
		tasks = []schemas.TaskRecord{}
	}
	stats := s.queue.Stats()
	s.respond(c, http.StatusOK, schemas.TaskList{
		Tasks:         tasks,
		Total:         len(tasks),
		ActiveWorkers: stats.ActiveWorkers,
		MaxWorkers:    stats.MaxWorkers,
		QueueSize:     stats.QueueSize,
	})
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	stats := s.queue.Stats()
	s.respond(c, http.StatusOK, schemas.QueueStatus{
		QueueSize:     stats.QueueSize,
		ActiveWorkers: stats.ActiveWorkers,
		MaxWorkers:    stats.MaxWorkers,
		BrowserInUse:  stats.BrowserInUse,
	})
}

// handleTraceDownload streams the trace archive for a task. Quote-phase
// traces are written under a quote_ prefix, so that name is tried when the
// plain one is absent.
func (s *Server) handleTraceDownload(c *gin.Context) {
	id := c.Param("id")
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		s.respondError(c, http.StatusBadRequest, "invalid trace id", "validation")
		return
	}

	root := s.cfg.Paths().Traces
	for _, name := range []string{id + ".zip", "quote_" + id + ".zip"} {
		path := filepath.Join(root, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		c.FileAttachment(path, name)
		return
	}
	s.respondError(c, http.StatusNotFound, fmt.Sprintf("No trace found for task %s", id), "not_found")
}

func (s *Server) handleListTraces(c *gin.Context) {
	root := s.cfg.Paths().Traces

	traces := []schemas.TraceInfo{}
	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		s.respondError(c, http.StatusInternalServerError, "could not read traces directory", "io")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".zip" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		traces = append(traces, schemas.TraceInfo{
			Name:       entry.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(traces, func(i, j int) bool { return traces[i].ModifiedAt.After(traces[j].ModifiedAt) })

	s.respond(c, http.StatusOK, schemas.TraceList{Traces: traces, Total: len(traces)})
}
