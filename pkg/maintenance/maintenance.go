// Package maintenance removes orphan authorities from the store and the
// search indexes, on demand or periodically.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/iziplay/findingaids/pkg/config"
	"github.com/iziplay/findingaids/pkg/database"
	"github.com/iziplay/findingaids/pkg/search"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var purgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "findingaids_orphans_purged_total",
	Help: "Orphan authorities deleted, by kind.",
}, []string{"kind"})

// Remover deletes the search documents of entities.
type Remover interface {
	DeleteByEntityIDs(ctx context.Context, ids []uuid.UUID, families ...search.Family) (int64, error)
}

// Report is the outcome of a purge. In a dry run Purged counts the
// authorities that would have been deleted.
type Report struct {
	DryRun       bool  `json:"dryRun"`
	Candidates   int   `json:"candidates"`
	Purged       int   `json:"purged"`
	Kept         int   `json:"kept"`
	IndexDeleted int64 `json:"indexDeleted"`
	Batches      int   `json:"batches"`
}

func (r *Report) merge(other *Report) {
	r.Candidates += other.Candidates
	r.Purged += other.Purged
	r.Kept += other.Kept
	r.IndexDeleted += other.IndexDeleted
	r.Batches += other.Batches
}

// Service finds and purges orphan authorities.
type Service struct {
	store     *database.Store
	remover   Remover
	batchSize int
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a maintenance service purging batches of cfg.PurgeBatchSize
// authorities, every cfg.MaintenanceInterval once started.
func New(store *database.Store, remover Remover, cfg config.ImportConfig, logger *slog.Logger) *Service {
	batchSize := cfg.PurgeBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Service{
		store:     store,
		remover:   remover,
		batchSize: batchSize,
		interval:  cfg.MaintenanceInterval,
		logger:    logger.With("component", "maintenance"),
	}
}

// FindOrphans lists the authorities of kind nothing references.
func (s *Service) FindOrphans(ctx context.Context, kind database.AuthorityKind) ([]uuid.UUID, error) {
	return s.store.Orphans(ctx, kind)
}

// Purge deletes the authorities of ids that are still orphan, with their
// history and their search documents. Each batch is committed on its own,
// so an interrupted purge can simply be run again.
func (s *Service) Purge(ctx context.Context, ids []uuid.UUID, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun, Candidates: len(ids)}

	for start := 0; start < len(ids); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := min(start+s.batchSize, len(ids))
		batch := ids[start:end]

		var (
			purged []uuid.UUID
			err    error
		)
		if dryRun {
			purged, err = s.orphansOf(ctx, batch)
		} else {
			purged, err = s.purgeBatch(ctx, batch, report)
		}
		if err != nil {
			return report, err
		}

		report.Batches++
		report.Purged += len(purged)
		report.Kept += len(batch) - len(purged)
	}

	s.logger.Info("Orphan purge done",
		"dryRun", dryRun,
		"candidates", report.Candidates,
		"purged", report.Purged,
		"kept", report.Kept,
		"batches", report.Batches,
	)
	return report, nil
}

func (s *Service) orphansOf(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	refs, err := s.store.References(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if r, ok := refs[id]; ok && r.Orphan() {
			out = append(out, id)
		}
	}
	return out, nil
}

// purgeBatch deletes one batch. The search documents are deleted before the
// transaction commits: a failure leaves the authorities in place for the
// next run.
func (s *Service) purgeBatch(ctx context.Context, ids []uuid.UUID, report *Report) ([]uuid.UUID, error) {
	authorities, err := s.store.Authorities(ctx, ids)
	if err != nil {
		return nil, err
	}
	kinds := make(map[uuid.UUID]database.AuthorityKind, len(authorities))
	for _, a := range authorities {
		kinds[a.ID] = a.Kind
	}

	w, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer w.Rollback()

	deleted, err := w.PurgeAuthorities(ctx, ids)
	if err != nil {
		return nil, err
	}

	n, err := s.remover.DeleteByEntityIDs(ctx, deleted)
	if err != nil {
		return nil, fmt.Errorf("failed to delete search documents of orphans: %w", err)
	}
	report.IndexDeleted += n

	if err := w.Commit(ctx); err != nil {
		return nil, err
	}
	for _, id := range deleted {
		purgedTotal.WithLabelValues(string(kinds[id])).Inc()
	}
	return deleted, nil
}

// PurgeOrphans finds and purges the orphans of kinds, or of every kind when
// kinds is empty.
func (s *Service) PurgeOrphans(ctx context.Context, kinds []database.AuthorityKind, dryRun bool) (*Report, error) {
	if len(kinds) == 0 {
		kinds = database.AuthorityKinds()
	}

	total := &Report{DryRun: dryRun}
	for _, kind := range kinds {
		ids, err := s.FindOrphans(ctx, kind)
		if err != nil {
			return total, err
		}
		report, err := s.Purge(ctx, ids, dryRun)
		total.merge(report)
		if err != nil {
			return total, fmt.Errorf("purge of %s orphans: %w", kind, err)
		}
	}
	return total, nil
}

// Start purges every orphan at each interval until Stop is called or ctx is
// done. A zero interval disables the periodic purge.
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("Periodic orphan purge disabled")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Periodic orphan purge started", "interval", s.interval.String())

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Periodic orphan purge stopped")
				return
			case <-ticker.C:
				if _, err := s.PurgeOrphans(ctx, nil, false); err != nil {
					s.logger.Error("Periodic orphan purge failed", "error", err)
				}
			}
		}
	}()
}

// Stop stops the periodic purge and waits for it to return.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}
