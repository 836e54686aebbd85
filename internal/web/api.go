package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/internal/collab"
	"github.com/taskmesh/taskmesh/internal/errs"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/tasks"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.registerAgent)
	mux.HandleFunc("GET /api/agents/suitable", s.findSuitable)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.unregisterAgent)
	mux.HandleFunc("POST /api/agents/{id}/recover", s.recoverAgent)

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.submitTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.cancelTask)

	// Collaboration sessions
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/sessions/{id}/execute", s.executeSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.endSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.listMessages)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.sendMessage)
	mux.HandleFunc("GET /api/sessions/{id}/workspace", s.getWorkspace)
	mux.HandleFunc("POST /api/sessions/{id}/workspace", s.manageWorkspace)
	mux.HandleFunc("POST /api/sessions/{id}/decisions", s.makeDecision)
	mux.HandleFunc("POST /api/sessions/{id}/conflicts", s.resolveConflict)
	mux.HandleFunc("GET /api/history/sessions", s.listSessionHistory)

	// Recurring tasks
	mux.HandleFunc("GET /api/recurring", s.listRecurring)
	mux.HandleFunc("POST /api/recurring", s.addRecurring)
	mux.HandleFunc("DELETE /api/recurring/{id}", s.removeRecurring)
	mux.HandleFunc("POST /api/recurring/{id}/pause", s.pauseRecurring)
	mux.HandleFunc("POST /api/recurring/{id}/resume", s.resumeRecurring)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("PUT /api/secrets/{name}", s.putSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.registry.List())
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var cfg registry.RegisterConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := s.registry.Register(cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, agent)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, agent)
}

// unregisterAgent removes the agent; a task it was holding fails
// rather than hanging forever.
func (s *Server) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.registry.Unregister(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if agent.CurrentTask != "" && !strings.HasPrefix(agent.CurrentTask, "session:") {
		if err := s.tasks.Fail(agent.CurrentTask, "agent "+agent.ID+" removed"); err != nil {
			slog.Warn("fail orphaned task", "task", agent.CurrentTask, "error", err)
		}
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) recoverAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Recover(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) findSuitable(w http.ResponseWriter, r *http.Request) {
	var requirements []string
	if raw := r.URL.Query().Get("requirements"); raw != "" {
		requirements = strings.Split(raw, ",")
	}
	var estimated time.Duration
	if raw := r.URL.Query().Get("estimated"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			jsonError(w, "invalid estimated duration", http.StatusBadRequest)
			return
		}
		estimated = d
	}
	jsonResponse(w, s.registry.FindSuitable(requirements, estimated))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.tasks.List(tasks.Status(r.URL.Query().Get("status"))))
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var cfg tasks.SubmitConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	task, err := s.scheduler.Submit(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Cancel(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.sessions.List())
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskID       string          `json:"task_id"`
		Participants []string        `json:"participants"`
		Pattern      collab.Pattern  `json:"pattern,omitempty"`
		Protocol     collab.Protocol `json:"protocol,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	info, err := s.sessions.Create(collab.CreateConfig{
		TaskID:       body.TaskID,
		Participants: body.Participants,
		Pattern:      body.Pattern,
		Protocol:     body.Protocol,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, info)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, info)
}

// executeSession starts the run in the background; clients follow
// progress over the websocket feed or by polling the session.
func (s *Server) executeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if info.Status != collab.SessionCreated {
		jsonError(w, "session already "+string(info.Status), http.StatusConflict)
		return
	}
	go func() {
		if _, err := s.sessions.Execute(context.Background(), id); err != nil {
			slog.Error("session execution", "session", id, "error", err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, map[string]string{"status": "started"})
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Cancel(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	id := r.PathValue("id")
	msgs, err := s.sessions.Messages(id, limit)
	if err != nil {
		// Archived sessions only live in the durable store.
		if errors.Is(err, errs.ErrNotFound) && s.db != nil {
			records, derr := s.db.GetMessages(id, limit)
			if derr == nil && len(records) > 0 {
				jsonResponse(w, records)
				return
			}
		}
		writeError(w, err)
		return
	}
	jsonResponse(w, msgs)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var cfg collab.SendConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	delivered, err := s.sessions.Send(r.PathValue("id"), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, delivered)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.sessions.Workspace(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, ws.Snapshot())
}

// manageWorkspace is the action-dispatch entry point for workspace
// mutations.
func (s *Server) manageWorkspace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
		Data   struct {
			Title       string         `json:"title,omitempty"`
			Content     string         `json:"content,omitempty"`
			Author      string         `json:"author,omitempty"`
			DocumentID  string         `json:"document_id,omitempty"`
			ReadVersion int            `json:"read_version,omitempty"`
			Key         string         `json:"key,omitempty"`
			Value       any            `json:"value,omitempty"`
			AccessLevel string         `json:"access_level,omitempty"`
			Description string         `json:"description,omitempty"`
			Proposer    string         `json:"proposer,omitempty"`
			Method      string         `json:"method,omitempty"`
			Outcome     map[string]any `json:"outcome,omitempty"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ws, err := s.sessions.Workspace(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	switch body.Action {
	case "add_document":
		doc, err := ws.AddDocument(body.Data.Title, body.Data.Content, body.Data.Author)
		if err != nil {
			writeError(w, err)
			return
		}
		jsonResponse(w, doc)
	case "update_document":
		doc, err := ws.UpdateDocument(body.Data.DocumentID, body.Data.Content, body.Data.Author, body.Data.ReadVersion)
		if err != nil {
			writeError(w, err)
			return
		}
		jsonResponse(w, doc)
	case "share_data":
		if err := ws.ShareData(body.Data.Key, body.Data.Value, body.Data.AccessLevel, body.Data.Author); err != nil {
			writeError(w, err)
			return
		}
		jsonResponse(w, map[string]string{"status": "ok"})
	case "make_decision":
		entry := ws.RecordDecision(body.Data.Description, body.Data.Proposer, body.Data.Method, body.Data.Outcome)
		jsonResponse(w, entry)
	case "get_workspace":
		jsonResponse(w, ws.Snapshot())
	default:
		jsonError(w, "unknown workspace action", http.StatusBadRequest)
	}
}

func (s *Server) makeDecision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Method      string             `json:"method"`
		Description string             `json:"description"`
		Proposer    string             `json:"proposer"`
		Options     []string           `json:"options,omitempty"`
		Votes       map[string]string  `json:"votes"`
		Weights     map[string]float64 `json:"weights,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	outcome, err := s.sessions.MakeGroupDecision(r.PathValue("id"), body.Method, body.Description, body.Proposer, body.Options, body.Votes, body.Weights)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, outcome)
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type       string            `json:"type"`
		Requesters []string          `json:"requesters,omitempty"`
		Positions  map[string]string `json:"positions,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	switch body.Type {
	case "resource_contention":
		res, err := s.sessions.ResolveContention(id, body.Requesters)
		if err != nil {
			writeError(w, err)
			return
		}
		jsonResponse(w, res)
	case "decision_disagreement":
		res, err := s.sessions.ResolveDisagreement(id, body.Positions)
		if err != nil {
			writeError(w, err)
			return
		}
		jsonResponse(w, res)
	default:
		jsonError(w, "unknown conflict type", http.StatusBadRequest)
	}
}

func (s *Server) listSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		jsonResponse(w, []any{})
		return
	}
	runs, err := s.db.ListSessionRuns()
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) listRecurring(w http.ResponseWriter, r *http.Request) {
	if s.recurring == nil {
		jsonResponse(w, []any{})
		return
	}
	recs, err := s.recurring.List()
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, recs)
}

func (s *Server) addRecurring(w http.ResponseWriter, r *http.Request) {
	if s.recurring == nil {
		jsonError(w, "recurring tasks disabled", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Name     string             `json:"name"`
		Schedule string             `json:"schedule"`
		Template tasks.SubmitConfig `json:"template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := s.recurring.Add(body.Name, body.Schedule, body.Template)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, rec)
}

func (s *Server) removeRecurring(w http.ResponseWriter, r *http.Request) {
	if s.recurring == nil {
		jsonError(w, "recurring tasks disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.recurring.Remove(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) pauseRecurring(w http.ResponseWriter, r *http.Request) {
	if s.recurring == nil {
		jsonError(w, "recurring tasks disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.recurring.Pause(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) resumeRecurring(w http.ResponseWriter, r *http.Request) {
	if s.recurring == nil {
		jsonError(w, "recurring tasks disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.recurring.Resume(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonResponse(w, []string{})
		return
	}
	names, err := s.vault.List()
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, names)
}

func (s *Server) putSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault disabled", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.vault.Set(r.PathValue("name"), body.Value); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.vault.Delete(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status := s.scheduler.Status()
	jsonResponse(w, map[string]any{
		"version":    s.version,
		"uptime":     time.Since(s.startedAt).String(),
		"agents":     status.Agents,
		"tasks":      status.Tasks,
		"queue":      status.QueueDepth,
		"collaborations": map[string]int{
			"active": status.ActiveCollaborations,
			"total":  status.TotalCollaborations,
		},
		"avg_performance":   status.AvgPerformance,
		"system_efficiency": status.Efficiency,
	})
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrInvalidParticipant):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errs.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errs.ErrConflict):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, errs.ErrDeadlineExceeded):
		jsonError(w, err.Error(), http.StatusGatewayTimeout)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
