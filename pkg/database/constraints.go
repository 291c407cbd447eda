package database

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// constraintToggler disables and restores foreign key checking for a bulk
// session on one dialect.
type constraintToggler interface {
	// restore re-adds constraints left dropped by a session that never finished.
	restore(ctx context.Context, db *gorm.DB) error
	disable(ctx context.Context, db *gorm.DB) error
	enable(ctx context.Context, db *gorm.DB) error
	// pin and unpin prepare a worker connection for bulk writes and reset it.
	pin(ctx context.Context, conn *gorm.DB) error
	unpin(ctx context.Context, conn *gorm.DB) error
}

func togglerFor(db *gorm.DB) constraintToggler {
	switch db.Dialector.Name() {
	case "postgres":
		return &postgresToggler{}
	case "sqlite":
		return &sqliteToggler{}
	default:
		return noopToggler{}
	}
}

// postgresToggler drops the foreign keys of the pipeline tables and records
// their definitions, so a crashed run can be repaired by the next session.
type postgresToggler struct{}

func (postgresToggler) foreignKeys(ctx context.Context, db *gorm.DB) ([]BulkConstraint, error) {
	query, args, err := sq.Select(
		"conname AS name",
		"conrelid::regclass::text AS relation",
		"pg_get_constraintdef(oid) AS definition",
	).
		From("pg_constraint").
		Where(sq.Eq{"contype": "f"}).
		Where(sq.Like{"conrelid::regclass::text": TablePrefix + "%"}).
		OrderBy("conname").
		ToSql()
	if err != nil {
		return nil, err
	}

	var constraints []BulkConstraint
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&constraints).Error; err != nil {
		return nil, fmt.Errorf("failed to list foreign keys: %w", err)
	}
	return constraints, nil
}

func (t postgresToggler) restore(ctx context.Context, db *gorm.DB) error {
	var leftovers []BulkConstraint
	if err := db.WithContext(ctx).Find(&leftovers).Error; err != nil {
		return fmt.Errorf("failed to load dropped constraints: %w", err)
	}
	if len(leftovers) == 0 {
		return nil
	}

	slog.Warn("Restoring foreign keys left dropped by an unfinished bulk import", "count", len(leftovers))
	return t.enable(ctx, db)
}

func (t postgresToggler) disable(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		constraints, err := t.foreignKeys(ctx, tx)
		if err != nil {
			return err
		}
		if len(constraints) == 0 {
			return nil
		}

		if err := tx.Create(&constraints).Error; err != nil {
			return fmt.Errorf("failed to record foreign keys: %w", err)
		}
		for _, c := range constraints {
			stmt := fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", c.Relation, pq.QuoteIdentifier(c.Name))
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to drop %s: %w", c.Name, err)
			}
		}

		slog.Debug("Foreign keys dropped for bulk import", "count", len(constraints))
		return nil
	})
}

func (t postgresToggler) enable(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var constraints []BulkConstraint
		if err := tx.Order("name").Find(&constraints).Error; err != nil {
			return fmt.Errorf("failed to load dropped constraints: %w", err)
		}

		// A migration run in between may have recreated some of them.
		existing, err := t.foreignKeys(ctx, tx)
		if err != nil {
			return err
		}
		present := make(map[string]bool, len(existing))
		for _, c := range existing {
			present[c.Relation+"."+c.Name] = true
		}

		for _, c := range constraints {
			if present[c.Relation+"."+c.Name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s", c.Relation, pq.QuoteIdentifier(c.Name), c.Definition)
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to restore %s: %w", c.Name, err)
			}
		}

		if err := tx.Where("1 = 1").Delete(&BulkConstraint{}).Error; err != nil {
			return fmt.Errorf("failed to clear dropped constraints: %w", err)
		}

		slog.Debug("Foreign keys restored after bulk import", "count", len(constraints))
		return nil
	})
}

func (postgresToggler) pin(ctx context.Context, conn *gorm.DB) error {
	return conn.WithContext(ctx).Exec("SET synchronous_commit TO OFF").Error
}

func (postgresToggler) unpin(ctx context.Context, conn *gorm.DB) error {
	return conn.WithContext(ctx).Exec("SET synchronous_commit TO DEFAULT").Error
}

// sqliteToggler switches foreign key enforcement per connection.
type sqliteToggler struct{}

func (sqliteToggler) restore(context.Context, *gorm.DB) error { return nil }

func (sqliteToggler) disable(context.Context, *gorm.DB) error { return nil }

func (sqliteToggler) enable(context.Context, *gorm.DB) error { return nil }

func (sqliteToggler) pin(ctx context.Context, conn *gorm.DB) error {
	return conn.WithContext(ctx).Exec("PRAGMA foreign_keys = OFF").Error
}

func (sqliteToggler) unpin(ctx context.Context, conn *gorm.DB) error {
	return conn.WithContext(ctx).Exec("PRAGMA foreign_keys = ON").Error
}

type noopToggler struct{}

func (noopToggler) restore(context.Context, *gorm.DB) error { return nil }
func (noopToggler) disable(context.Context, *gorm.DB) error { return nil }
func (noopToggler) enable(context.Context, *gorm.DB) error  { return nil }
func (noopToggler) pin(context.Context, *gorm.DB) error     { return nil }
func (noopToggler) unpin(context.Context, *gorm.DB) error   { return nil }
