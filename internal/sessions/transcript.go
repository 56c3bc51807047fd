package sessions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TranscriptStore manages the append-only per-session message logs. One
// JSONL file per sessionId, independent from the session store document.
type TranscriptStore struct {
	dir string
}

// NewTranscriptStore creates a transcript store rooted at dir.
func NewTranscriptStore(dir string) (*TranscriptStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	return &TranscriptStore{dir: dir}, nil
}

// Path returns the transcript file path for a sessionId.
func (t *TranscriptStore) Path(sessionID string) string {
	return filepath.Join(t.dir, sanitizeFilename(sessionID)+".jsonl")
}

// Append writes one line to the transcript, creating the file on first use.
func (t *TranscriptStore) Append(sessionID, line string) error {
	f, err := os.OpenFile(t.Path(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.TrimRight(line, "\n") + "\n"); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Lines returns the non-empty lines of a transcript. A missing file reads as
// an empty transcript.
func (t *TranscriptStore) Lines(sessionID string) ([]string, error) {
	data, err := os.ReadFile(t.Path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// Compact archives the original transcript and rewrites it with only the
// last keepLines non-empty lines. Returns the archive path ("" when the
// transcript was absent or already within bounds).
func (t *TranscriptStore) Compact(sessionID string, keepLines int) (string, error) {
	lines, err := t.Lines(sessionID)
	if err != nil {
		return "", err
	}
	if lines == nil || len(lines) <= keepLines {
		return "", nil
	}

	path := t.Path(sessionID)
	archive := fmt.Sprintf("%s.%d.bak", path, time.Now().UnixMilli())
	orig, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	if err := os.WriteFile(archive, orig, 0644); err != nil {
		return "", fmt.Errorf("archive transcript: %w", err)
	}

	kept := lines[len(lines)-keepLines:]
	if err := os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), 0644); err != nil {
		return "", fmt.Errorf("rewrite transcript: %w", err)
	}
	return archive, nil
}

// Remove deletes the transcript file and any compaction archives for a
// sessionId. Best-effort: a missing file is not an error.
func (t *TranscriptStore) Remove(sessionID string) error {
	path := t.Path(sessionID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	archives, _ := filepath.Glob(path + ".*.bak")
	for _, a := range archives {
		os.Remove(a)
	}
	return nil
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(strings.ReplaceAll(key, ":", "_"), string(os.PathSeparator), "_")
}
