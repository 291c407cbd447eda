package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"
)

// Mode selects how a session persists documents.
type Mode string

const (
	// Transactional commits each document on its own with every constraint enforced.
	Transactional Mode = "transactional"
	// Bulk disables foreign key checking for the whole session and buffers
	// the writes of each document into batched inserts.
	Bulk Mode = "bulk"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Transactional, Bulk:
		return m, nil
	}
	return "", fmt.Errorf("unknown store mode %q", s)
}

// Store is the write side of the relational store.
type Store struct {
	db        *gorm.DB
	toggler   constraintToggler
	batchSize int
}

// NewStore wraps db. It does not migrate the schema.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:        db,
		toggler:   togglerFor(db),
		batchSize: 500,
	}
}

// DB returns the underlying pool.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return Ping(ctx, s.db)
}

// Begin opens a transactional writer on the pool, outside of any session.
func (s *Store) Begin(ctx context.Context) (*Writer, error) {
	return begin(ctx, s.db, Transactional, s.batchSize)
}

// Session brackets a whole import run. In bulk mode its constructor disables
// foreign key checking and Finish restores it; callers defer Finish right
// after a successful OpenSession.
type Session struct {
	store *Store
	mode  Mode

	mu       sync.Mutex
	finished bool
}

// OpenSession starts a session. Constraints left dropped by a previous run
// that never reached Finish are restored first.
func (s *Store) OpenSession(ctx context.Context, mode Mode) (*Session, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	if err := s.toggler.restore(ctx, s.db); err != nil {
		return nil, err
	}

	if mode == Bulk {
		if err := s.toggler.disable(ctx, s.db); err != nil {
			return nil, fmt.Errorf("cannot enter bulk mode: %w", err)
		}
		slog.Info("Bulk mode enabled, foreign key checking is off until the run finishes")
	}

	return &Session{store: s, mode: mode}, nil
}

// Mode returns the persistence strategy of the session.
func (s *Session) Mode() Mode {
	return s.mode
}

// Finish ends the session and, in bulk mode, restores foreign key checking.
// It runs even when ctx is already cancelled and is safe to call twice.
func (s *Session) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return nil
	}
	s.finished = true

	if s.mode != Bulk {
		return nil
	}

	if err := s.store.toggler.enable(context.WithoutCancel(ctx), s.store.db); err != nil {
		return fmt.Errorf("cannot leave bulk mode: %w", err)
	}
	slog.Info("Bulk mode finished, foreign key checking restored")
	return nil
}

// Conn is a store connection owned by a single worker.
type Conn struct {
	db      *gorm.DB
	session *Session
}

// DB returns a handle bound to the pinned connection.
func (c *Conn) DB() *gorm.DB {
	return c.db
}

// Begin starts the transaction of one document on the pinned connection.
func (c *Conn) Begin(ctx context.Context) (*Writer, error) {
	return begin(ctx, c.db, c.session.mode, c.session.store.batchSize)
}

// Worker pins one pool connection for the lifetime of fn. Connections are
// never shared between workers.
func (s *Session) Worker(ctx context.Context, fn func(conn *Conn) error) error {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished {
		return errors.New("session already finished")
	}

	return s.store.db.WithContext(ctx).Connection(func(tx *gorm.DB) error {
		if s.mode == Bulk {
			if err := s.store.toggler.pin(ctx, tx); err != nil {
				return fmt.Errorf("cannot prepare worker connection: %w", err)
			}
			defer func() {
				if err := s.store.toggler.unpin(context.WithoutCancel(ctx), tx); err != nil {
					slog.Warn("Failed to reset worker connection", "error", err)
				}
			}()
		}
		return fn(&Conn{db: tx, session: s})
	})
}
