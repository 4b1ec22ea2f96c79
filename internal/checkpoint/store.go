// Package checkpoint persists batch progress so an interrupted run can resume
// without redoing finished targets.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"xenoscan/internal/model"
)

const (
	DefaultName    = "pipeline_state.json"
	backupSuffix   = ".backup.json"
	backupStampFmt = "20060102T150405Z"
)

var ErrCorrupt = errors.New("checkpoint is corrupt")

// CorruptError describes why a checkpoint file could not be used.
type CorruptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkpoint %s is corrupt: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("checkpoint %s is corrupt: %s", e.Path, e.Reason)
}

func (e *CorruptError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorrupt}
	}
	return []error{ErrCorrupt, e.Err}
}

// Record is the whole checkpoint document. It is always written wholesale.
type Record struct {
	SchemaVersion      int                    `json:"schema_version"`
	RunID              string                 `json:"run_id,omitempty"`
	CompletedTargetIDs []string               `json:"completed_target_ids"`
	RateLimiter        model.RateLimiterState `json:"rate_limiter_snapshot"`
	BatchCursor        int                    `json:"batch_cursor"`
	SavedAt            string                 `json:"saved_at"`
}

// CompletedSet returns the completed IDs as a lookup set.
func (r Record) CompletedSet() map[string]struct{} {
	out := make(map[string]struct{}, len(r.CompletedTargetIDs))
	for _, id := range r.CompletedTargetIDs {
		out[id] = struct{}{}
	}
	return out
}

// Store reads and writes one named checkpoint file. It does no locking of its
// own; callers must not Save concurrently.
type Store struct {
	dir  string
	name string
	now  func() time.Time
}

func NewStore(dir, name string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	if filepath.Base(name) != name {
		return nil, fmt.Errorf("checkpoint name must not contain a path: %q", name)
	}
	if err := Mkdir(dir); err != nil {
		return nil, err
	}
	return &Store{dir: dir, name: name, now: time.Now}, nil
}

func (s *Store) Dir() string  { return s.dir }
func (s *Store) Path() string { return filepath.Join(s.dir, s.name) }

// Save stamps the record and atomically replaces the checkpoint file.
func (s *Store) Save(rec Record) error {
	rec.SchemaVersion = model.SchemaVersion
	rec.SavedAt = s.now().UTC().Format(time.RFC3339Nano)
	if rec.CompletedTargetIDs == nil {
		rec.CompletedTargetIDs = []string{}
	}
	if err := WriteJSON(s.Path(), rec); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns nil and no error when there is no checkpoint yet. A file that
// exists but cannot be used yields an error matching ErrCorrupt.
func (s *Store) Load() (*Record, error) {
	path := s.Path()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &CorruptError{Path: path, Reason: "invalid JSON", Err: err}
	}
	for _, key := range []string{"schema_version", "completed_target_ids", "saved_at"} {
		if _, ok := raw[key]; !ok {
			return nil, &CorruptError{Path: path, Reason: "missing field " + key}
		}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &CorruptError{Path: path, Reason: "unexpected field type", Err: err}
	}
	if rec.SchemaVersion < 1 || rec.SchemaVersion > model.SchemaVersion {
		return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("unsupported schema_version %d", rec.SchemaVersion)}
	}
	if _, err := time.Parse(time.RFC3339Nano, rec.SavedAt); err != nil {
		return nil, &CorruptError{Path: path, Reason: "invalid saved_at", Err: err}
	}
	if rec.CompletedTargetIDs == nil {
		rec.CompletedTargetIDs = []string{}
	}
	return &rec, nil
}

// Backup copies the current checkpoint to a timestamped sibling file and
// returns its path. It returns "" when there is nothing to back up.
func (s *Store) Backup() (string, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read checkpoint %s: %w", s.Path(), err)
	}
	stem := strings.TrimSuffix(s.name, filepath.Ext(s.name))
	dst := filepath.Join(s.dir, stem+"_"+s.now().UTC().Format(backupStampFmt)+backupSuffix)
	if err := WriteBytes(dst, data); err != nil {
		return "", fmt.Errorf("write checkpoint backup: %w", err)
	}
	return dst, nil
}

// Discard removes the checkpoint file. Missing files are not an error.
func (s *Store) Discard() error {
	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint %s: %w", s.Path(), err)
	}
	return nil
}

// List returns the checkpoint and backup files in dir, sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read checkpoint directory %s: %w", dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
