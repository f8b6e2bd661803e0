package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"Forge/internal/config"
)

// Store keeps a bounded journal of runner lifecycle events, optionally
// persisted to disk so restarts keep a recent audit trail.
type Store struct {
	config config.StoreConfig
	events []Event
	mu     sync.RWMutex
}

type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Runner     string    `json:"runner"`
	JobID      string    `json:"job_id,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// New creates a new store instance
func New(cfg config.StoreConfig) (*Store, error) {
	s := &Store{
		config: cfg,
		events: make([]Event, 0),
	}

	// Load existing events if file exists
	if cfg.Enabled && cfg.Path != "" {
		if err := s.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}

	return s, nil
}

// Record appends a lifecycle event to the journal
func (s *Store) Record(event Event) error {
	if !s.config.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)

	// Trim old events if we exceed max
	if len(s.events) > s.config.MaxEvents {
		s.events = s.events[len(s.events)-s.config.MaxEvents:]
	}

	// Persist to disk
	return s.persist()
}

// GetRecentEvents returns the most recent lifecycle events
func (s *Store) GetRecentEvents(count int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count > len(s.events) {
		count = len(s.events)
	}

	return append([]Event(nil), s.events[len(s.events)-count:]...)
}

// GetAllEvents returns all lifecycle events
func (s *Store) GetAllEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]Event(nil), s.events...)
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &s.events)
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	return os.WriteFile(s.config.Path, data, 0644)
}
