// Package sessions — durable session store and transcripts.
//
// One JSON document per agent maps session keys to entries. Saves replace
// the whole document: last write wins. There is no per-key concurrency
// token; callers must always save the full loaded-then-mutated document,
// never a stale snapshot. Acceptable at the observed low churn, and a known
// scalability limit beyond it.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/routing"
)

// Store persists session entries, one document per agent. The mutex
// serializes every load-mutate-save cycle so two logical operations never
// interleave on the same file.
type Store struct {
	mu          sync.Mutex
	dir         string
	mainKey     string
	guard       ModelGuard
	transcripts *TranscriptStore
}

// NewStore creates a session store rooted at dir, with transcripts under
// dir/transcripts. mainKey is the protected continuity suffix (default
// "main"): the main session of an agent can be reset but never deleted.
func NewStore(dir, mainKey string, guard ModelGuard) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	ts, err := NewTranscriptStore(filepath.Join(dir, "transcripts"))
	if err != nil {
		return nil, err
	}
	if mainKey == "" {
		mainKey = routing.DefaultMainKey
	}
	return &Store{dir: dir, mainKey: mainKey, guard: guard, transcripts: ts}, nil
}

// Transcripts exposes the transcript store for turn appends.
func (s *Store) Transcripts() *TranscriptStore { return s.transcripts }

// PathFor returns the store document path for an agent.
func (s *Store) PathFor(agentID string) string {
	return filepath.Join(s.dir, sanitizeFilename(routing.NormalizeID(agentID, routing.DefaultAgentID))+".sessions.json")
}

// Load reads the full store document for an agent. A missing file loads as
// an empty store; a present but unparsable file returns CorruptStoreError.
// Always re-reads from disk so externally edited files are picked up.
func (s *Store) Load(agentID string) (map[string]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(agentID)
}

func (s *Store) loadLocked(agentID string) (map[string]*Entry, error) {
	path := s.PathFor(agentID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Entry{}, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	entries := map[string]*Entry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &CorruptStoreError{Path: path, Err: err}
	}
	return entries, nil
}

// Save writes the full document atomically: temp file, sync, rename.
func (s *Store) Save(agentID string, entries map[string]*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(agentID, entries)
}

func (s *Store) saveLocked(agentID string, entries map[string]*Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(s.dir, "sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.PathFor(agentID)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Get returns the entry for a key, or nil when absent.
func (s *Store) Get(agentID, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadLocked(agentID)
	if err != nil {
		return nil, err
	}
	return entries[key], nil
}

// Ensure returns the entry for a key, creating and persisting a fresh one on
// first use.
func (s *Store) Ensure(agentID, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadLocked(agentID)
	if err != nil {
		return nil, err
	}
	if e, ok := entries[key]; ok {
		return e, nil
	}
	e := NewEntry()
	entries[key] = e
	if err := s.saveLocked(agentID, entries); err != nil {
		return nil, err
	}
	return e, nil
}

// Patch merges a partial update into an entry, creating it if absent. The
// whole patch is validated before anything is written: an invalid patch
// never produces a partial mutation.
func (s *Store) Patch(agentID, key string, patch Patch) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadLocked(agentID)
	if err != nil {
		return nil, err
	}
	e, ok := entries[key]
	if !ok {
		e = NewEntry()
	}
	if err := applyPatch(e, key, patch, s.guard); err != nil {
		return nil, err
	}
	entries[key] = e
	if err := s.saveLocked(agentID, entries); err != nil {
		return nil, err
	}
	return e, nil
}

// Reset mints a new sessionId for a key, clearing run-scoped state and
// preserving user preferences. Resetting an absent key creates it.
func (s *Store) Reset(agentID, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadLocked(agentID)
	if err != nil {
		return nil, err
	}
	prev, ok := entries[key]
	var next *Entry
	if ok {
		next = resetEntry(prev)
	} else {
		next = NewEntry()
	}
	entries[key] = next
	if err := s.saveLocked(agentID, entries); err != nil {
		return nil, err
	}
	return next, nil
}

// Delete removes an entry. The agent's main session is protected: it can be
// reset but not deleted. When deleteTranscript is set the session's
// transcript files are removed best-effort.
func (s *Store) Delete(agentID, key string, deleteTranscript bool) error {
	if key == routing.BuildMainSessionKey(agentID, s.mainKey) {
		return &ValidationError{Code: CodeProtectedKey, Field: "key", Message: "cannot delete the main session; reset it instead"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadLocked(agentID)
	if err != nil {
		return err
	}
	e, ok := entries[key]
	if !ok {
		return &ValidationError{Code: CodeUnknownKey, Field: "key", Message: "no session for key"}
	}
	delete(entries, key)
	if err := s.saveLocked(agentID, entries); err != nil {
		return err
	}
	if deleteTranscript && e.SessionID != "" {
		s.transcripts.Remove(e.SessionID)
	}
	return nil
}

// Compact truncates the session's transcript to its last keepLines non-empty
// lines, archiving the original, and clears the entry's cached token totals.
// The totals are invalidated, not recomputed.
func (s *Store) Compact(agentID, key string, keepLines int) (*Entry, error) {
	if keepLines <= 0 {
		return nil, &ValidationError{Code: CodeInvalidValue, Field: "maxLines", Message: "must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadLocked(agentID)
	if err != nil {
		return nil, err
	}
	e, ok := entries[key]
	if !ok {
		return nil, &ValidationError{Code: CodeUnknownKey, Field: "key", Message: "no session for key"}
	}

	if _, err := s.transcripts.Compact(e.SessionID, keepLines); err != nil {
		return nil, err
	}

	e.ContextTokens = 0
	e.InputTokens = 0
	e.OutputTokens = 0
	e.TotalTokens = 0
	e.UpdatedAt = time.Now().UnixMilli()

	if err := s.saveLocked(agentID, entries); err != nil {
		return nil, err
	}
	return e, nil
}

// RecordUsage accumulates run usage into an entry after a completed turn.
// total is the derived whole-session total (prompt-tokens based when the
// engine reports it). provider/model record what actually ran, which may
// differ from what was requested after fallback. Usage for a key deleted
// mid-run is dropped: recording must never resurrect a deleted session.
func (s *Store) RecordUsage(agentID, key string, input, output, total int64, provider, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadLocked(agentID)
	if err != nil {
		return err
	}
	e, ok := entries[key]
	if !ok {
		return nil
	}
	e.InputTokens += input
	e.OutputTokens += output
	if total > 0 {
		e.TotalTokens = total
	} else {
		e.TotalTokens = e.InputTokens + e.OutputTokens
	}
	if provider != "" {
		e.LastProvider = provider
	}
	if model != "" {
		e.LastModel = model
	}
	e.UpdatedAt = time.Now().UnixMilli()
	return s.saveLocked(agentID, entries)
}

// ListItem is a lightweight descriptor for session listings.
type ListItem struct {
	Key       string `json:"key"`
	SessionID string `json:"sessionId"`
	UpdatedAt int64  `json:"updatedAt"`
	Tokens    int64  `json:"totalTokens,omitempty"`
}

// List returns session descriptors for an agent, newest first. activeSince
// (unix ms, 0 = all) filters out sessions idle since before the cutoff.
func (s *Store) List(agentID string, activeSince int64) ([]ListItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadLocked(agentID)
	if err != nil {
		return nil, err
	}
	items := make([]ListItem, 0, len(entries))
	for key, e := range entries {
		if activeSince > 0 && e.UpdatedAt < activeSince {
			continue
		}
		items = append(items, ListItem{Key: key, SessionID: e.SessionID, UpdatedAt: e.UpdatedAt, Tokens: e.TotalTokens})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt > items[j].UpdatedAt })
	return items, nil
}
