package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// SaveImportRun inserts or updates the record of a coordinator run.
func (s *Store) SaveImportRun(ctx context.Context, run *ImportRun) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("failed to save import run: %w", err)
	}
	return nil
}

// LastImportRun returns the most recent run, optionally only among complete ones.
func (s *Store) LastImportRun(ctx context.Context, completeOnly bool) (*ImportRun, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if completeOnly {
		q = q.Where("complete = ?", true)
	}

	var run ImportRun
	err := q.First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("import run: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last import run: %w", err)
	}
	return &run, nil
}
