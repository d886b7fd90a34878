// Package history is the durable log of delivered relay messages. Writes
// are best-effort and asynchronous from the relay's point of view: a failure
// here is logged by the caller and never affects routing.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one delivered payload message.
type Entry struct {
	MessageID      string `json:"id"`
	Timestamp      int64  `json:"timestamp"`
	Sender         string `json:"sender"` // "operator" or "agent"
	Text           string `json:"text,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
}

// Recorder receives a notification for every delivered payload message.
type Recorder interface {
	Record(ctx context.Context, operatorID string, e Entry) error
}

// Service persists entries to one JSON file per operator, keeping only the
// most recent maxRecords. It is append-only and idempotent from the relay's
// perspective: recording the same message twice stores two entries.
type Service struct {
	dir        string
	maxRecords int
	mu         sync.Mutex
}

// NewService creates the storage directory if needed. maxRecords <= 0
// selects the default of 100.
func NewService(dir string, maxRecords int) (*Service, error) {
	if maxRecords <= 0 {
		maxRecords = 100
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return &Service{dir: dir, maxRecords: maxRecords}, nil
}

func (s *Service) operatorFile(operatorID string) string {
	// Base strips path separators so an operator id can never escape dir.
	return filepath.Join(s.dir, "operator_"+filepath.Base(operatorID)+".json")
}

// Record appends an entry to the operator's log, trimming to the most
// recent maxRecords.
func (s *Service) Record(ctx context.Context, operatorID string, e Entry) error {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	if e.ConversationID == "" {
		e.ConversationID = "default"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.operatorFile(operatorID)
	entries, err := readEntries(path)
	if err != nil {
		return err
	}

	entries = append(entries, e)
	if len(entries) > s.maxRecords {
		entries = entries[len(entries)-s.maxRecords:]
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// History returns the operator's entries, optionally filtered by
// conversation, with offset/limit pagination. limit <= 0 selects the
// configured maximum.
func (s *Service) History(operatorID, conversationID string, limit, offset int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := readEntries(s.operatorFile(operatorID))
	if err != nil {
		return nil, err
	}

	if conversationID != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.ConversationID == conversationID {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if limit <= 0 {
		limit = s.maxRecords
	}
	if offset >= len(entries) {
		return []Entry{}, nil
	}
	entries = entries[offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Clear removes the operator's log file.
func (s *Service) Clear(operatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.operatorFile(operatorID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// readEntries tolerates a missing or corrupt file by starting fresh; a log
// that cannot be decoded must not block new messages from being recorded.
func readEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, nil
	}
	return entries, nil
}
