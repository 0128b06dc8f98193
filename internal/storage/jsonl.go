package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"votepulse/internal/model"
)

// JsonlAudit appends fraud events to a JSONL file. It is a best-effort local
// audit trail alongside the fraud_events table; callers log and swallow its
// errors.
type JsonlAudit struct {
	path string
	mu   sync.Mutex
}

func NewJsonlAudit(path string) *JsonlAudit {
	return &JsonlAudit{path: path}
}

type fraudAuditLine struct {
	ID              string   `json:"id"`
	MatchID         string   `json:"match_id"`
	VoteID          string   `json:"vote_id,omitempty"`
	Severity        string   `json:"severity"`
	Score           float64  `json:"score"`
	Reasons         []string `json:"reasons"`
	FingerprintHash string   `json:"fingerprint_hash"`
	AddressHash     string   `json:"address_hash"`
	CreatedAt       string   `json:"created_at"`
}

// AppendFraudEvent writes one fraud event as a JSON line.
func (s *JsonlAudit) AppendFraudEvent(ev model.FraudEvent) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create audit dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	line, err := json.Marshal(fraudAuditLine{
		ID:              ev.ID,
		MatchID:         ev.MatchID,
		VoteID:          ev.VoteID,
		Severity:        string(ev.Severity),
		Score:           ev.Score,
		Reasons:         ev.Reasons,
		FingerprintHash: ev.FingerprintHash,
		AddressHash:     ev.AddressHash,
		CreatedAt:       ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal fraud event: %w", err)
	}
	if _, err := writer.Write(line); err != nil {
		return fmt.Errorf("write fraud event: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush audit: %w", err)
	}

	return nil
}
