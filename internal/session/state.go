// Package session coordinates multiple worker processes: the file-locked
// shared state document, the global budget and the supervisor.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"scalper/internal/core"
	apperrors "scalper/pkg/errors"
)

const (
	lockPollInterval   = 10 * time.Millisecond
	defaultLockTimeout = 5 * time.Second
)

// Document is the single JSON document shared by all processes.
type Document struct {
	Bots         map[string]core.BotStatus `json:"bots"`
	GlobalBudget core.GlobalBudget         `json:"global_budget"`
	SystemStatus string                    `json:"system_status"`
	Health       map[string]string         `json:"health,omitempty"`
	LastUpdate   time.Time                 `json:"last_update"`
}

func emptyDocument() *Document {
	return &Document{Bots: map[string]core.BotStatus{}}
}

// SharedState persists the document in a known file and serializes every
// read-modify-write through a sibling lock file created with O_EXCL. The
// scheme is deliberately portable: any process on the host can participate
// with nothing but the filesystem.
type SharedState struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	logger      core.ILogger
}

// StateOption tunes a SharedState.
type StateOption func(*SharedState)

// WithLockTimeout overrides the default 5 s lock acquisition timeout.
func WithLockTimeout(d time.Duration) StateOption {
	return func(s *SharedState) { s.lockTimeout = d }
}

// NewSharedState stores the document at path.
func NewSharedState(path string, logger core.ILogger, opts ...StateOption) *SharedState {
	s := &SharedState{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: defaultLockTimeout,
		logger:      logger.WithField("component", "shared_state"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// acquireLock creates the lock file exclusively, polling until the timeout.
func (s *SharedState) acquireLock(ctx context.Context) error {
	deadline := time.Now().Add(s.lockTimeout)
	for {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			return f.Close()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock %s: %w", s.lockPath, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock %s held too long: %w", s.lockPath, apperrors.ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (s *SharedState) releaseLock() {
	if err := os.Remove(s.lockPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove lock file", "path", s.lockPath, "error", err)
	}
}

// Read returns a consistent snapshot of the document. A missing file yields
// an empty document.
func (s *SharedState) Read(ctx context.Context) (*Document, error) {
	if err := s.acquireLock(ctx); err != nil {
		return nil, err
	}
	defer s.releaseLock()
	return s.load()
}

// Update applies fn to the document under the lock and writes the result
// atomically (temp file plus rename).
func (s *SharedState) Update(ctx context.Context, fn func(doc *Document) error) error {
	if err := s.acquireLock(ctx); err != nil {
		return err
	}
	defer s.releaseLock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	doc.LastUpdate = time.Now().UTC()
	return s.store(doc)
}

func (s *SharedState) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyDocument(), nil
		}
		return nil, fmt.Errorf("read shared state: %w", err)
	}
	doc := emptyDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse shared state: %w", err)
	}
	if doc.Bots == nil {
		doc.Bots = map[string]core.BotStatus{}
	}
	return doc, nil
}

func (s *SharedState) store(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal shared state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write shared state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace shared state: %w", err)
	}
	return nil
}
