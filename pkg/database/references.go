package database

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const referenceBatchSize = 500

// References counts what points at an authority.
type References struct {
	AuthorityID uuid.UUID `json:"authority"`
	FindingAids int       `json:"findingAids"`
	Components  int       `json:"components"`
	SameAs      int       `json:"sameAs"`
	Grouped     int       `json:"grouped"`
}

// Total is the number of index entries referencing the authority.
func (r References) Total() int {
	return r.FindingAids + r.Components
}

// Orphan reports whether nothing references the authority.
func (r References) Orphan() bool {
	return r.Total() == 0 && r.SameAs == 0 && r.Grouped == 0
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func referencesQuery(db *gorm.DB, ids []uuid.UUID) sq.SelectBuilder {
	entries := tableName(db, &IndexEntry{})
	return sq.Select(
		"a.id AS authority_id",
		fmt.Sprintf("(SELECT COUNT(*) FROM %s e WHERE e.authority_id = a.id AND e.component_id IS NULL) AS finding_aids", entries),
		fmt.Sprintf("(SELECT COUNT(*) FROM %s e WHERE e.authority_id = a.id AND e.component_id IS NOT NULL) AS components", entries),
		fmt.Sprintf("(SELECT COUNT(*) FROM %s s WHERE s.authority_id = a.id) AS same_as", SameAs{}.TableName()),
		fmt.Sprintf("(SELECT COUNT(*) FROM %s g WHERE g.authority_id = a.id OR g.target_id = a.id) AS grouped", GroupedWith{}.TableName()),
	).
		From(tableName(db, &Authority{}) + " a").
		Where(sq.Eq{"a.id": uuidStrings(ids)})
}

// referenceCounts returns the references of every existing authority of ids.
func referenceCounts(ctx context.Context, db *gorm.DB, ids []uuid.UUID) (map[uuid.UUID]References, error) {
	counts := make(map[uuid.UUID]References, len(ids))
	for start := 0; start < len(ids); start += referenceBatchSize {
		end := min(start+referenceBatchSize, len(ids))

		query, args, err := referencesQuery(db, ids[start:end]).ToSql()
		if err != nil {
			return nil, fmt.Errorf("failed to build references query: %w", err)
		}

		var rows []References
		if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to count references: %w", err)
		}
		for _, r := range rows {
			counts[r.AuthorityID] = r
		}
	}
	return counts, nil
}

func orphansQuery(db *gorm.DB, kind AuthorityKind) sq.SelectBuilder {
	return sq.Select("a.id").
		From(tableName(db, &Authority{}) + " a").
		Where(sq.Eq{"a.kind": string(kind)}).
		Where(fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s e WHERE e.authority_id = a.id)", tableName(db, &IndexEntry{}))).
		Where(fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s s WHERE s.authority_id = a.id)", SameAs{}.TableName())).
		Where(fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s g WHERE g.authority_id = a.id OR g.target_id = a.id)", GroupedWith{}.TableName())).
		OrderBy("a.id")
}

// orphans lists the authorities of kind without index entries, same-as or
// grouped-with links in either direction.
func orphans(ctx context.Context, db *gorm.DB, kind AuthorityKind) ([]uuid.UUID, error) {
	query, args, err := orphansQuery(db, kind).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build orphans query: %w", err)
	}

	rows, err := db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to query orphans: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan orphan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
