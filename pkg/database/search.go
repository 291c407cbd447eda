package database

import (
	"context"
	"strings"
)

// SearchAuthorities finds authorities whose label contains label
// (case-insensitive), optionally restricted to one kind.
func (s *Store) SearchAuthorities(ctx context.Context, label string, kind AuthorityKind, limit, offset int) ([]Authority, int64, error) {
	q := s.db.WithContext(ctx).Model(&Authority{})

	if l := strings.TrimSpace(label); l != "" {
		q = q.Where("LOWER(label) LIKE ?", "%"+strings.ToLower(l)+"%")
	}
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var authorities []Authority
	if err := q.
		Order("label").
		Limit(limit).
		Offset(offset).
		Find(&authorities).Error; err != nil {
		return nil, 0, err
	}

	return authorities, total, nil
}
