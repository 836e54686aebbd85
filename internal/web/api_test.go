package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/collab"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/exec"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/tasks"
	"github.com/taskmesh/taskmesh/internal/workspace"
)

func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()
	sink := bus.NewClientSink(nil)
	reg := registry.New(nil, sink)
	ts := tasks.NewStore(nil)
	executor := exec.ExecutorFunc(func(ctx context.Context, task *tasks.Task, agent *registry.Agent) (*exec.Result, error) {
		return &exec.Result{Output: map[string]any{"ok": true}}, nil
	})
	sessions := collab.NewManager(reg, ts, workspace.NewManager(), executor, exec.SystemClock{}, nil, sink, nil, time.Second)
	sched := scheduler.New(reg, ts, sessions, executor, exec.SystemClock{}, sink, config.SchedulerConfig{CollabSize: 3, SoloRequirementLimit: 2})

	srv := NewServer(nil, nil, reg, ts, sched, sessions, nil, nil, config.WebConfig{}, "test")
	mux := http.NewServeMux()
	srv.registerAPI(mux)
	return srv, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAgentEndpoints(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doJSON(t, mux, "POST", "/api/agents", map[string]any{
		"name": "alpha",
		"type": "worker",
		"capabilities": []map[string]any{
			{"name": "code", "proficiency": 0.9},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: code = %d, body = %s", rec.Code, rec.Body)
	}
	var agent registry.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if agent.Status != registry.StatusIdle {
		t.Errorf("status = %s, want idle", agent.Status)
	}

	if rec := doJSON(t, mux, "GET", "/api/agents/"+agent.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("get agent: code = %d", rec.Code)
	}
	if rec := doJSON(t, mux, "GET", "/api/agents/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent: code = %d, want 404", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/api/agents", map[string]any{"name": "", "type": "worker"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid register: code = %d, want 400", rec.Code)
	}

	if rec := doJSON(t, mux, "DELETE", "/api/agents/"+agent.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("unregister: code = %d", rec.Code)
	}
}

func TestTaskSubmitAndStatus(t *testing.T) {
	_, mux := newTestServer(t)

	doJSON(t, mux, "POST", "/api/agents", map[string]any{
		"name": "worker", "type": "worker",
		"capabilities": []map[string]any{{"name": "code", "proficiency": 0.8}},
	})

	rec := doJSON(t, mux, "POST", "/api/tasks", map[string]any{
		"type": "build", "requirements": []string{"code"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: code = %d, body = %s", rec.Code, rec.Body)
	}
	var task tasks.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Status == tasks.StatusQueued {
		t.Errorf("task should have been dispatched, got %s", task.Status)
	}

	if rec := doJSON(t, mux, "GET", "/api/tasks?status=queued", nil); rec.Code != http.StatusOK {
		t.Errorf("list tasks: code = %d", rec.Code)
	}
	if rec := doJSON(t, mux, "GET", "/api/status", nil); rec.Code != http.StatusOK {
		t.Errorf("status: code = %d", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/api/tasks", map[string]any{"type": ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid submit: code = %d, want 400", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	_, mux := newTestServer(t)

	var ids []string
	for _, name := range []string{"a", "b"} {
		rec := doJSON(t, mux, "POST", "/api/agents", map[string]any{
			"name": name, "type": "worker",
			"capabilities": []map[string]any{{"name": "code", "proficiency": 0.8}},
		})
		var agent registry.Agent
		if err := json.Unmarshal(rec.Body.Bytes(), &agent); err != nil {
			t.Fatalf("decode agent: %v", err)
		}
		ids = append(ids, agent.ID)
	}
	rec := doJSON(t, mux, "POST", "/api/tasks", map[string]any{"type": "doc"})
	var task tasks.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	rec = doJSON(t, mux, "POST", "/api/sessions", map[string]any{
		"task_id": task.ID, "participants": ids, "pattern": "parallel",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: code = %d, body = %s", rec.Code, rec.Body)
	}
	var info collab.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	rec = doJSON(t, mux, "POST", "/api/sessions/"+info.ID+"/messages", map[string]any{
		"sender": ids[0], "content": "hello",
	})
	if rec.Code != http.StatusCreated {
		t.Errorf("send message: code = %d, body = %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, mux, "POST", "/api/sessions/"+info.ID+"/messages", map[string]any{
		"sender": "outsider", "content": "hello",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("outsider message: code = %d, want 400", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/api/sessions/"+info.ID+"/workspace", map[string]any{
		"action": "add_document",
		"data":   map[string]any{"title": "notes", "content": "v1", "author": ids[0]},
	})
	if rec.Code != http.StatusOK {
		t.Errorf("add document: code = %d, body = %s", rec.Code, rec.Body)
	}
	if rec := doJSON(t, mux, "GET", "/api/sessions/"+info.ID+"/workspace", nil); rec.Code != http.StatusOK {
		t.Errorf("get workspace: code = %d", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/api/sessions/"+info.ID+"/decisions", map[string]any{
		"method": "majority_vote",
		"votes":  map[string]string{ids[0]: "x", ids[1]: "x"},
	})
	if rec.Code != http.StatusOK {
		t.Errorf("decision: code = %d, body = %s", rec.Code, rec.Body)
	}

	if rec := doJSON(t, mux, "DELETE", "/api/sessions/"+info.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("end session: code = %d, body = %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, mux, "GET", "/api/sessions/"+info.ID, nil)
	var ended collab.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &ended); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if ended.Status != collab.SessionAborted {
		t.Errorf("ended session status = %s, want aborted", ended.Status)
	}
}

func TestErrorMapping(t *testing.T) {
	_, mux := newTestServer(t)

	cases := []struct {
		method, path string
		want         int
	}{
		{"GET", "/api/tasks/nope", http.StatusNotFound},
		{"GET", "/api/sessions/nope", http.StatusNotFound},
		{"DELETE", "/api/tasks/nope", http.StatusNotFound},
		{"POST", "/api/agents/nope/recover", http.StatusNotFound},
	}
	for _, tc := range cases {
		if rec := doJSON(t, mux, tc.method, tc.path, nil); rec.Code != tc.want {
			t.Errorf("%s %s: code = %d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}
}
