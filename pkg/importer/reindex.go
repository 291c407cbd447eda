package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/iziplay/findingaids/pkg/database"
	"github.com/iziplay/findingaids/pkg/search"
)

// Reindex synchronizes the entities named by refs, each an entity id or a
// stable id. A finding aid brings its components, attachments and
// authorities along. An entity id that no longer exists has its documents
// deleted.
func (c *Coordinator) Reindex(ctx context.Context, refs []string) (*search.Report, error) {
	if err := c.Check(ctx, false); err != nil {
		return nil, err
	}

	var (
		targets []database.EntityRef
		gone    []uuid.UUID
	)
	for _, ref := range refs {
		located, err := c.store.Locate(ctx, ref)
		if errors.Is(err, database.ErrNotFound) {
			id, parseErr := uuid.Parse(ref)
			if parseErr != nil {
				return nil, err
			}
			gone = append(gone, id)
			continue
		}
		if err != nil {
			return nil, err
		}

		if located.Type != database.EntityFindingAid {
			targets = append(targets, located)
			continue
		}
		all, err := c.store.DocumentRefs(ctx, located.ID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, all...)
	}

	report := &search.Report{}
	if len(targets) > 0 {
		upserted, err := c.indexer.Upsert(ctx, targets)
		if err != nil {
			return nil, err
		}
		report.Merge(upserted)
	}
	if len(gone) > 0 {
		n, err := c.indexer.DeleteByEntityIDs(ctx, gone)
		if err != nil {
			return report, err
		}
		report.Deleted += n
	}

	c.logger.Info("Reindex done", "refs", len(refs), "report", report.String())
	return report, nil
}

// Delete removes a finding aid, everything it owns and its authority
// history, then updates the indexes. Authorities left orphan are kept for
// the orphan maintenance.
func (c *Coordinator) Delete(ctx context.Context, stableID string) (*search.Report, error) {
	w, err := c.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer w.Rollback()

	removal, err := w.DeleteFindingAid(ctx, stableID, false)
	if err != nil {
		return nil, err
	}
	if removal == nil {
		return nil, fmt.Errorf("finding aid %s: %w", stableID, database.ErrNotFound)
	}
	if err := w.Commit(ctx); err != nil {
		return nil, err
	}
	c.logger.Info("Finding aid deleted", "stableId", stableID, "components", len(removal.ComponentIDs))

	report := &search.Report{}
	ids := append([]uuid.UUID{removal.FindingAidID}, removal.ComponentIDs...)
	n, err := c.indexer.DeleteByEntityIDs(ctx, ids, search.Content)
	if err != nil {
		return report, err
	}
	report.Deleted = n

	refs := make([]database.EntityRef, 0, len(removal.AuthorityIDs))
	for _, id := range removal.AuthorityIDs {
		refs = append(refs, database.EntityRef{Type: database.EntityAuthority, ID: id})
	}
	upserted, err := c.indexer.Upsert(ctx, refs)
	if err != nil {
		return report, err
	}
	report.Merge(upserted)
	return report, nil
}
