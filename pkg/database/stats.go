package database

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TypeCount represents a count by type
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Statistics describes the current content of the store.
type Statistics struct {
	LastImport    string      `json:"lastImport,omitempty"`
	Services      int         `json:"services"`
	FindingAids   int         `json:"findingAids"`
	Components    int         `json:"components"`
	Attachments   int         `json:"attachments"`
	IndexEntries  int         `json:"indexEntries"`
	PersonRecords int         `json:"personRecords"`
	Authorities   []TypeCount `json:"authorities"`
	Roles         []TypeCount `json:"roles"`
}

// Statistics computes the store statistics.
func (s *Store) Statistics(ctx context.Context) (*Statistics, error) {
	db := s.db.WithContext(ctx)
	stats := &Statistics{}

	last, err := s.LastImportRun(ctx, true)
	switch {
	case err == nil:
		stats.LastImport = last.StartedAt.Format(time.RFC3339)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	counts := []struct {
		model any
		dest  *int
	}{
		{&Service{}, &stats.Services},
		{&FindingAid{}, &stats.FindingAids},
		{&FAComponent{}, &stats.Components},
		{&Attachment{}, &stats.Attachments},
		{&IndexEntry{}, &stats.IndexEntries},
		{&PersonRecord{}, &stats.PersonRecords},
	}
	for _, c := range counts {
		var n int64
		if err := db.Model(c.model).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("failed to count %T: %w", c.model, err)
		}
		*c.dest = int(n)
	}

	// Count authorities by kind
	if err := db.Model(&Authority{}).
		Select("kind AS type, COUNT(*) AS count").
		Group("kind").
		Order("kind").
		Scan(&stats.Authorities).Error; err != nil {
		return nil, fmt.Errorf("failed to count authorities: %w", err)
	}

	// Count index entries by role
	if err := db.Model(&IndexEntry{}).
		Select("role AS type, COUNT(*) AS count").
		Group("role").
		Order("role").
		Scan(&stats.Roles).Error; err != nil {
		return nil, fmt.Errorf("failed to count roles: %w", err)
	}

	return stats, nil
}
