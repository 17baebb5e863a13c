package webui

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/haasonsaas/teleton/internal/lifecycle"
	"github.com/haasonsaas/teleton/internal/store"
)

// envelope is the uniform response shape of every JSON endpoint.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"status": "ok"})
}

// agentStatus is the payload of /api/agent/status and the SSE status events.
type agentStatus struct {
	State  lifecycle.State `json:"state"`
	Uptime float64         `json:"uptime"`
	Error  string          `json:"error,omitempty"`
}

func (s *Server) currentStatus() agentStatus {
	sup := s.config.Supervisor
	status := agentStatus{State: lifecycle.StateStopped}
	if sup == nil {
		return status
	}
	status.State = sup.State()
	if uptime, ok := sup.Uptime(); ok {
		status.Uptime = uptime.Seconds()
	}
	if err := sup.LastError(); err != nil {
		status.Error = err.Error()
	}
	return status
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.currentStatus())
}

// handleAgentStart accepts the transition and runs it in the background; the
// SSE stream reports progress. 409 when already running or shutting down.
func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	sup := s.config.Supervisor
	if sup == nil {
		writeError(w, http.StatusServiceUnavailable, "lifecycle unavailable")
		return
	}
	switch sup.State() {
	case lifecycle.StateRunning, lifecycle.StateStopping:
		writeError(w, http.StatusConflict, "agent is "+string(sup.State()))
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := sup.Start(ctx); err != nil {
			s.logger.Error("agent start failed", "error", err)
		}
	}()
	writeData(w, http.StatusOK, map[string]any{"state": lifecycle.StateStarting})
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	sup := s.config.Supervisor
	if sup == nil {
		writeError(w, http.StatusServiceUnavailable, "lifecycle unavailable")
		return
	}
	if sup.State() == lifecycle.StateStopped {
		writeError(w, http.StatusConflict, "agent is stopped")
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := sup.Stop(ctx); err != nil {
			s.logger.Error("agent stop failed", "error", err)
		}
	}()
	writeData(w, http.StatusOK, map[string]any{"state": lifecycle.StateStopping})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	if s.config.Registry == nil {
		writeData(w, http.StatusOK, []any{})
		return
	}
	type toolView struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Module      string `json:"module"`
		Scope       string `json:"scope"`
		Category    string `json:"category"`
	}
	defs := s.config.Registry.Definitions()
	out := make([]toolView, 0, len(defs))
	for _, def := range defs {
		out = append(out, toolView{
			Name:        def.Name,
			Description: def.Description,
			Module:      def.Module,
			Scope:       string(def.Scope),
			Category:    string(def.Category),
		})
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleCron(w http.ResponseWriter, _ *http.Request) {
	if s.config.Cron == nil {
		writeData(w, http.StatusOK, []any{})
		return
	}
	type jobView struct {
		ID        string     `json:"id"`
		Interval  string     `json:"interval"`
		RunMissed bool       `json:"runMissed"`
		LastRunAt *time.Time `json:"lastRunAt,omitempty"`
		NextRunAt *time.Time `json:"nextRunAt,omitempty"`
	}
	jobs := s.config.Cron.List()
	out := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		view := jobView{ID: job.ID, Interval: job.Interval.String(), RunMissed: job.RunMissed}
		if !job.LastRunAt.IsZero() {
			last := job.LastRunAt
			view.LastRunAt = &last
		}
		if !job.NextRunAt.IsZero() {
			next := job.NextRunAt
			view.NextRunAt = &next
		}
		out = append(out, view)
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.config.Store == nil {
		writeData(w, http.StatusOK, []any{})
		return
	}
	sessions, err := s.config.Store.ListSessions(r.Context())
	if err != nil {
		s.logger.Error("session list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session list failed")
		return
	}
	type sessionView struct {
		ChatID        string    `json:"chatId"`
		UpdatedAt     time.Time `json:"updatedAt"`
		MessageCount  int       `json:"messageCount"`
		ContextTokens int       `json:"contextTokens"`
		Summary       string    `json:"summary,omitempty"`
	}
	out := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, sessionView{
			ChatID:        session.ChatID,
			UpdatedAt:     session.UpdatedAt,
			MessageCount:  session.MessageCount,
			ContextTokens: session.ContextTokens,
			Summary:       session.Summary,
		})
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.config.Store == nil {
		writeData(w, http.StatusOK, []any{})
		return
	}
	status := store.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.config.Store.ListTasks(r.Context(), status)
	if err != nil {
		s.logger.Error("task list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "task list failed")
		return
	}
	type taskView struct {
		ID          string    `json:"id"`
		Description string    `json:"description"`
		Status      string    `json:"status"`
		Priority    int       `json:"priority"`
		CreatedAt   time.Time `json:"createdAt"`
		Result      string    `json:"result,omitempty"`
		Error       string    `json:"error,omitempty"`
	}
	out := make([]taskView, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskView{
			ID:          task.ID,
			Description: task.Description,
			Status:      string(task.Status),
			Priority:    task.Priority,
			CreatedAt:   task.CreatedAt,
			Result:      task.Result,
			Error:       task.Error,
		})
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	view := map[string]any{}
	if s.config.Store != nil {
		if count, err := s.config.Store.KnowledgeCount(r.Context()); err == nil {
			view["knowledgeChunks"] = count
		}
		if size, err := s.config.Store.EmbeddingCacheSize(r.Context()); err == nil {
			view["embeddingCacheEntries"] = size
		}
	}
	if s.config.Memory != nil {
		view["dir"] = s.config.Memory.Dir()
	}
	writeData(w, http.StatusOK, view)
}

// handleLogs serves the recent daily-log digest (yesterday plus today).
func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request) {
	if s.config.Memory == nil {
		writeData(w, http.StatusOK, map[string]any{"content": ""})
		return
	}
	content, err := s.config.Memory.ReadRecent()
	if err != nil {
		s.logger.Error("daily log read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "log read failed")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"content": content})
}

func (s *Server) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	if s.config.Workspace == nil {
		writeData(w, http.StatusOK, []any{})
		return
	}
	files, err := s.config.Workspace.List(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "workspace list failed")
		return
	}
	writeData(w, http.StatusOK, files)
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	if s.config.Registry == nil {
		writeData(w, http.StatusOK, []any{})
		return
	}
	writeData(w, http.StatusOK, s.config.Registry.PluginNamespaces())
}

// handleMarketplace and handleMCP keep the surface stable for front-end
// builds; neither subsystem runs in this deployment.
func (s *Server) handleMarketplace(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, []any{})
}

func (s *Server) handleMCP(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, []any{})
}

// handleConfig serves the redacted config snapshot the caller provided at
// construction; secrets never reach this view.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	if s.config.ConfigView == nil {
		writeData(w, http.StatusOK, map[string]any{})
		return
	}
	writeData(w, http.StatusOK, s.config.ConfigView)
}
