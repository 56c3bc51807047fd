// Package cron is the recurring/one-off job engine: it computes next-run
// times, arms a single wake timer, executes due jobs sequentially, and
// persists job state around every transition.
package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SessionTarget selects where a job's work lands.
type SessionTarget string

const (
	// TargetMain enqueues a system event into the agent's main session,
	// optionally forcing an immediate heartbeat.
	TargetMain SessionTarget = "main"
	// TargetIsolated runs a standalone agent turn outside the main session
	// and posts a short summary back to it.
	TargetIsolated SessionTarget = "isolated"
)

// WakeMode controls whether a main-targeted job forces a heartbeat now or
// rides along with the next natural one.
type WakeMode string

const (
	WakeNow           WakeMode = "now"
	WakeNextHeartbeat WakeMode = "next-heartbeat"
)

// Schedule describes when a job runs. Exactly one of the three kinds.
type Schedule struct {
	Kind     string `json:"kind"` // at | every | cron
	AtMs     int64  `json:"atMs,omitempty"`
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs int64  `json:"anchorMs,omitempty"`
	Expr     string `json:"expr,omitempty"`
	TZ       string `json:"tz,omitempty"` // defaults to the host timezone
}

// JobState is the mutable run bookkeeping of a job.
type JobState struct {
	// RunningAtMs is the mutual-exclusion marker: set and persisted before
	// execution so a crash mid-run shows a still-running job instead of a
	// silently vanished one.
	RunningAtMs    int64  `json:"runningAtMs,omitempty"`
	LastRunAtMs    int64  `json:"lastRunAtMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"` // ok | error
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	NextRunAtMs    int64  `json:"nextRunAtMs,omitempty"`
}

// Job is one scheduled unit of work.
type Job struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agentId,omitempty"`
	Enabled        bool          `json:"enabled"`
	Schedule       Schedule      `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget"`
	SystemEvent    string        `json:"systemEvent,omitempty"` // main-targeted payload
	AgentTurn      string        `json:"agentTurn,omitempty"`   // isolated-targeted payload
	WakeMode       WakeMode      `json:"wakeMode,omitempty"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
	State          JobState      `json:"state"`
}

// Document is the on-disk job store shape, readable by external tooling.
type Document struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// Store persists the job document. Every load re-reads from disk so
// externally edited files are picked up on the next tick.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a job store at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cron dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// Load reads the job document fresh from disk. Missing file loads as an
// empty version-1 document.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Version: 1}, nil
		}
		return nil, fmt.Errorf("read cron store: %w", err)
	}
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("cron store corrupt: %s: %w", s.path, err)
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	return doc, nil
}

// Save writes the document atomically: temp file, sync, rename.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmpFile, err := os.CreateTemp(dir, "cron-*.tmp")
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

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Find returns the job with the given id, or nil.
func (d *Document) Find(id string) *Job {
	for _, j := range d.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// RemoveJob deletes a job by id. Reports whether it was present.
func (d *Document) RemoveJob(id string) bool {
	for i, j := range d.Jobs {
		if j.ID == id {
			d.Jobs = append(d.Jobs[:i], d.Jobs[i+1:]...)
			return true
		}
	}
	return false
}
