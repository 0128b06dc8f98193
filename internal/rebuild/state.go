package rebuild

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ReplayState records the outcome of the last completed replay for a match.
type ReplayState struct {
	MatchID    string    `json:"match_id"`
	ReplayedAt time.Time `json:"replayed_at"`
	Votes      int64     `json:"votes"`
}

// FileStateStore persists replay state to a local JSON file. Writes go
// through a temp file and rename so a crash never leaves a torn state file.
type FileStateStore struct {
	Path string
}

func (s *FileStateStore) Load() (ReplayState, bool, error) {
	if s == nil || s.Path == "" {
		return ReplayState{}, false, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return ReplayState{}, false, nil
		}
		return ReplayState{}, false, fmt.Errorf("read replay state: %w", err)
	}

	var state ReplayState
	if err := json.Unmarshal(data, &state); err != nil {
		return ReplayState{}, false, fmt.Errorf("parse replay state: %w", err)
	}
	return state, true, nil
}

func (s *FileStateStore) Save(state ReplayState) error {
	if s == nil || s.Path == "" {
		return nil
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal replay state: %w", err)
	}

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write replay state tmp: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("rename replay state: %w", err)
	}
	return nil
}
