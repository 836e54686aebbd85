// Package workspace provides the per-session shared state: versioned
// documents, key/value shared data and an append-only decision ledger.
// Document updates are optimistic-concurrency-controlled; there is no
// cross-document locking.
package workspace

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/internal/errs"
)

type Document struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Version        int       `json:"version"`
	LastModifiedBy string    `json:"last_modified_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type SharedEntry struct {
	Key         string    `json:"key"`
	Value       any       `json:"value"`
	AccessLevel string    `json:"access_level"`
	SetBy       string    `json:"set_by"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DecisionEntry is one ledger line; the ledger is append-only.
type DecisionEntry struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Proposer    string         `json:"proposer,omitempty"`
	Method      string         `json:"method"`
	Outcome     map[string]any `json:"outcome"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

type Workspace struct {
	mu        sync.RWMutex
	sessionID string
	documents map[string]*Document
	shared    map[string]SharedEntry
	decisions []DecisionEntry
}

// Snapshot is the serializable workspace state archived with a session.
type Snapshot struct {
	Documents  map[string]*Document   `json:"documents"`
	SharedData map[string]SharedEntry `json:"shared_data"`
	Decisions  []DecisionEntry        `json:"decisions"`
}

func newWorkspace(sessionID string) *Workspace {
	return &Workspace{
		sessionID: sessionID,
		documents: make(map[string]*Document),
		shared:    make(map[string]SharedEntry),
	}
}

// AddDocument creates a version-1 document.
func (w *Workspace) AddDocument(title, content, author string) (*Document, error) {
	if title == "" {
		return nil, fmt.Errorf("%w: document title is required", errs.ErrValidation)
	}
	now := time.Now()
	doc := &Document{
		ID:             uuid.New().String(),
		Title:          title,
		Content:        content,
		Version:        1,
		LastModifiedBy: author,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	w.mu.Lock()
	w.documents[doc.ID] = doc
	w.mu.Unlock()
	cp := *doc
	return &cp, nil
}

// UpdateDocument applies an update that read the given version. A stale
// version loses with ErrConflict and the caller must re-read.
func (w *Workspace) UpdateDocument(id, content, author string, readVersion int) (*Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc, ok := w.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, errs.ErrNotFound)
	}
	if doc.Version != readVersion {
		return nil, fmt.Errorf("document %s at version %d, update read %d: %w",
			id, doc.Version, readVersion, errs.ErrConflict)
	}
	doc.Content = content
	doc.Version++
	doc.LastModifiedBy = author
	doc.UpdatedAt = time.Now()
	cp := *doc
	return &cp, nil
}

func (w *Workspace) GetDocument(id string) (*Document, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	doc, ok := w.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, errs.ErrNotFound)
	}
	cp := *doc
	return &cp, nil
}

// ShareData sets a key/value entry tagged with an access level.
func (w *Workspace) ShareData(key string, value any, accessLevel, by string) error {
	if key == "" {
		return fmt.Errorf("%w: shared data key is required", errs.ErrValidation)
	}
	if accessLevel == "" {
		accessLevel = "participants"
	}
	w.mu.Lock()
	w.shared[key] = SharedEntry{
		Key:         key,
		Value:       value,
		AccessLevel: accessLevel,
		SetBy:       by,
		UpdatedAt:   time.Now(),
	}
	w.mu.Unlock()
	return nil
}

func (w *Workspace) GetShared(key string) (SharedEntry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.shared[key]
	return e, ok
}

// RecordDecision appends to the ledger. Entries are never rewritten.
func (w *Workspace) RecordDecision(description, proposer, method string, outcome map[string]any) DecisionEntry {
	entry := DecisionEntry{
		ID:          uuid.New().String(),
		Description: description,
		Proposer:    proposer,
		Method:      method,
		Outcome:     outcome,
		RecordedAt:  time.Now(),
	}
	w.mu.Lock()
	w.decisions = append(w.decisions, entry)
	w.mu.Unlock()
	return entry
}

// Snapshot returns a copy of the full workspace state.
func (w *Workspace) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	snap := Snapshot{
		Documents:  make(map[string]*Document, len(w.documents)),
		SharedData: make(map[string]SharedEntry, len(w.shared)),
		Decisions:  append([]DecisionEntry(nil), w.decisions...),
	}
	for id, doc := range w.documents {
		cp := *doc
		snap.Documents[id] = &cp
	}
	for k, v := range w.shared {
		snap.SharedData[k] = v
	}
	return snap
}

// Manager owns the live workspaces, one per active session.
type Manager struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

func NewManager() *Manager {
	return &Manager{workspaces: make(map[string]*Workspace)}
}

// Create makes the workspace for a session.
func (m *Manager) Create(sessionID string) *Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[sessionID]
	if !ok {
		w = newWorkspace(sessionID)
		m.workspaces[sessionID] = w
	}
	return w
}

func (m *Manager) Get(sessionID string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workspaces[sessionID]
	if !ok {
		return nil, fmt.Errorf("workspace for session %s: %w", sessionID, errs.ErrNotFound)
	}
	return w, nil
}

// Release takes the final snapshot and frees the live workspace. The
// snapshot is what the session archive retains.
func (m *Manager) Release(sessionID string) (json.RawMessage, error) {
	m.mu.Lock()
	w, ok := m.workspaces[sessionID]
	if ok {
		delete(m.workspaces, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("workspace for session %s: %w", sessionID, errs.ErrNotFound)
	}
	data, err := json.Marshal(w.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("marshal workspace snapshot: %w", err)
	}
	return data, nil
}
