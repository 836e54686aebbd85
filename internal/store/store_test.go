package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentSnapshotCRUD(t *testing.T) {
	s := newTestStore(t)

	a := &AgentSnapshot{
		ID:               "a1",
		Name:             "Researcher",
		Type:             "worker",
		Status:           "idle",
		PerformanceScore: 1.0,
		Capabilities:     json.RawMessage(`[{"name":"search","proficiency":0.9}]`),
	}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	got, err := s.GetAgent("a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if got.Name != "Researcher" || got.PerformanceScore != 1.0 {
		t.Errorf("unexpected agent: %+v", got)
	}

	a.Status = "busy"
	a.CompletedTasks = 3
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	got, _ = s.GetAgent("a1")
	if got.Status != "busy" || got.CompletedTasks != 3 {
		t.Errorf("update not applied: %+v", got)
	}

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}

	if err := s.DeleteAgent("a1"); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	got, _ = s.GetAgent("a1")
	if got != nil {
		t.Error("expected agent deleted")
	}
}

func TestTaskRecordLifecycle(t *testing.T) {
	s := newTestStore(t)

	r := &TaskRecord{
		ID:           "t1",
		Type:         "research",
		Priority:     "high",
		Status:       "queued",
		Requirements: json.RawMessage(`["search"]`),
	}
	if err := s.SaveTask(r); err != nil {
		t.Fatalf("save task: %v", err)
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.FinishedAt != nil {
		t.Error("queued task should have no finished_at")
	}

	r.Status = "completed"
	r.ElapsedMs = 1500
	if err := s.SaveTask(r); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	got, _ = s.GetTask("t1")
	if got.Status != "completed" {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("terminal task should have finished_at set")
	}
	if got.ElapsedMs != 1500 {
		t.Errorf("expected elapsed 1500, got %d", got.ElapsedMs)
	}

	done, err := s.ListTasks("completed", 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(done) != 1 {
		t.Fatalf("expected 1 completed task, got %d", len(done))
	}
}

func TestSessionRunArchive(t *testing.T) {
	s := newTestStore(t)

	r := &SessionRun{
		ID:           "s1",
		TaskID:       "t1",
		Pattern:      "parallel",
		Protocol:     "broadcast",
		Participants: json.RawMessage(`["a1","a2","a3"]`),
		Status:       "active",
	}
	if err := s.SaveSessionRun(r); err != nil {
		t.Fatalf("save session run: %v", err)
	}

	r.Status = "completed"
	r.Workspace = json.RawMessage(`{"documents":{}}`)
	if err := s.SaveSessionRun(r); err != nil {
		t.Fatalf("archive session run: %v", err)
	}

	got, err := s.GetSessionRun("s1")
	if err != nil {
		t.Fatalf("get session run: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("ended session should have ended_at")
	}
	if len(got.Workspace) == 0 {
		t.Error("expected workspace snapshot retained")
	}
}

func TestMessageLogOrder(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		m := &MessageRecord{
			SessionID: "s1",
			MessageID: string(rune('a' + i)),
			Sender:    "a1",
			Recipient: "a2",
			Content:   string(rune('0' + i)),
		}
		if err := s.SaveMessage(m); err != nil {
			t.Fatalf("save message: %v", err)
		}
	}

	msgs, err := s.GetMessages("s1", 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Error("messages not in submission order")
		}
	}
}

func TestSecretRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{Name: "api-key", Value: []byte{1, 2, 3}, Nonce: []byte{4, 5, 6}}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	got, err := s.GetSecret("api-key")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got == nil || string(got.Value) != string([]byte{1, 2, 3}) {
		t.Error("secret value mismatch")
	}

	missing, err := s.GetSecret("nope")
	if err != nil {
		t.Fatalf("get missing secret: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing secret")
	}
}

func TestRecurringDue(t *testing.T) {
	s := newTestStore(t)

	next := time.Now().Add(-time.Minute)
	rt := &RecurringTask{
		ID:        "r1",
		Name:      "nightly",
		Schedule:  `{"kind":"interval","interval_ms":60000}`,
		Template:  json.RawMessage(`{"type":"cleanup"}`),
		Status:    "active",
		NextRunAt: &next,
	}
	if err := s.SaveRecurringTask(rt); err != nil {
		t.Fatalf("save recurring: %v", err)
	}

	due, err := s.GetDueRecurringTasks(time.Now())
	if err != nil {
		t.Fatalf("get due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due task, got %d", len(due))
	}

	later := time.Now().Add(time.Hour)
	if err := s.UpdateRecurringRun("r1", "success", "", &later); err != nil {
		t.Fatalf("update run: %v", err)
	}
	due, _ = s.GetDueRecurringTasks(time.Now())
	if len(due) != 0 {
		t.Errorf("expected 0 due tasks, got %d", len(due))
	}
}
