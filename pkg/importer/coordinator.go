// Package importer runs import passes: documents are dispatched to a pool of
// workers, each committing one document per transaction, and the search
// indexes are synchronized once every worker is done.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iziplay/findingaids/pkg/authority"
	"github.com/iziplay/findingaids/pkg/database"
	"github.com/iziplay/findingaids/pkg/search"
	"github.com/iziplay/findingaids/pkg/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

// ErrUnavailable is returned when the store or the search engine cannot be
// reached before a run. No document is dispatched.
var ErrUnavailable = errors.New("dependency unavailable")

var (
	documentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "findingaids_import_documents_total",
		Help: "Documents handled by import workers, by outcome.",
	}, []string{"outcome"})

	documentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "findingaids_import_document_duration_seconds",
		Help:    "Time spent importing one document.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	importRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "findingaids_import_running",
		Help: "1 while an import run is in progress.",
	})
)

// Indexer is the search side of a run.
type Indexer interface {
	Ping(ctx context.Context) error
	EnsureIndexes(ctx context.Context) error
	Upsert(ctx context.Context, refs []database.EntityRef) (*search.Report, error)
	DeleteByEntityIDs(ctx context.Context, ids []uuid.UUID, families ...search.Family) (int64, error)
}

// Options tune one run.
type Options struct {
	// Concurrency is the number of workers, at least 1.
	Concurrency int
	Mode        database.Mode
	// DryRun processes every document and rolls it back.
	DryRun bool
	// Force imports finding aids whose source did not change.
	Force bool
	// NoIndex skips the synchronization pass.
	NoIndex bool
	// Inline processes the documents sequentially in the calling goroutine.
	Inline bool
}

// Failure is a document that could not be imported.
type Failure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Summary is the outcome of a run.
type Summary struct {
	RunID       uint            `json:"runId,omitempty"`
	Documents   int             `json:"documents"`
	Processed   int             `json:"processed"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	Failures    []Failure       `json:"failures,omitempty"`
	Authorities authority.Stats `json:"authorities"`
	Index       *search.Report  `json:"index,omitempty"`
	Duration    time.Duration   `json:"duration"`
}

// Coordinator runs imports. Only one run may be in progress at a time.
type Coordinator struct {
	store    *database.Store
	indexer  Indexer
	progress *Progress
	logger   *slog.Logger

	running sync.Mutex
}

// NewCoordinator returns a coordinator importing into store and indexer.
func NewCoordinator(store *database.Store, indexer Indexer, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		indexer:  indexer,
		progress: &Progress{},
		logger:   logger.With("component", "importer"),
	}
}

// Progress returns the progress of the current run.
func (c *Coordinator) Progress() *Progress {
	return c.progress
}

// Check verifies the store and, unless skipIndex, the search engine are
// reachable.
func (c *Coordinator) Check(ctx context.Context, skipIndex bool) error {
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: store: %w", ErrUnavailable, err)
	}
	if skipIndex {
		return nil
	}
	if err := c.indexer.Ping(ctx); err != nil {
		return fmt.Errorf("%w: search engine: %w", ErrUnavailable, err)
	}
	return nil
}

// Run imports docs. Documents failing on their own are reported in the
// summary and do not stop the run. An error is returned when the run could
// not start, was cancelled, or could not restore the store afterwards.
func (c *Coordinator) Run(ctx context.Context, docs []source.Document, opts Options) (*Summary, error) {
	if !c.running.TryLock() {
		return nil, errors.New("an import is already running")
	}
	defer c.running.Unlock()

	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if _, err := database.ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	skipIndex := opts.NoIndex || opts.DryRun

	if err := c.Check(ctx, skipIndex); err != nil {
		return nil, err
	}
	if !skipIndex {
		if err := c.indexer.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	start := time.Now()
	run := &database.ImportRun{StartedAt: start, Mode: string(opts.Mode), DryRun: opts.DryRun, Documents: len(docs)}
	if !opts.DryRun {
		if err := c.store.SaveImportRun(ctx, run); err != nil {
			return nil, err
		}
	}

	importRunning.Set(1)
	defer importRunning.Set(0)
	c.progress.start(string(opts.Mode), len(docs))
	defer c.progress.end()

	c.logger.Info("Import started", "documents", len(docs), "mode", opts.Mode, "concurrency", opts.Concurrency, "dryRun", opts.DryRun)

	summary := &Summary{RunID: run.ID, Documents: len(docs)}
	reconciler := authority.NewReconciler(c.store, c.logger)
	worker := NewWorker(reconciler, opts.DryRun, opts.Force, c.logger)

	refs, runErr := c.dispatch(ctx, docs, opts, worker, summary)
	summary.Authorities = reconciler.Stats()

	if runErr == nil && !skipIndex && ctx.Err() == nil {
		report, err := c.indexer.Upsert(ctx, refs)
		summary.Index = report
		if err != nil {
			runErr = fmt.Errorf("index synchronization failed: %w", err)
		}
	}
	if runErr == nil {
		runErr = ctx.Err()
	}

	summary.Duration = time.Since(start)
	if !opts.DryRun {
		finished := time.Now()
		run.FinishedAt = &finished
		run.Processed, run.Skipped, run.Failed = summary.Processed, summary.Skipped, summary.Failed
		if summary.Index != nil {
			run.Indexed, run.IndexErrors = summary.Index.Indexed, summary.Index.Failed()
		}
		run.Complete = runErr == nil
		if err := c.store.SaveImportRun(context.WithoutCancel(ctx), run); err != nil {
			c.logger.Error("Cannot record import run", "error", err)
		}
	}

	c.logger.Info("Import finished",
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"created", summary.Authorities.Created,
		"merged", summary.Authorities.Merged,
		"duration", summary.Duration.String(),
	)
	return summary, runErr
}

// dispatch feeds docs to the workers of a store session and collects the
// entities to index.
func (c *Coordinator) dispatch(ctx context.Context, docs []source.Document, opts Options, worker *Worker, summary *Summary) ([]database.EntityRef, error) {
	session, err := c.store.OpenSession(ctx, opts.Mode)
	if err != nil {
		return nil, err
	}
	defer session.Finish(ctx)

	var (
		mu   sync.Mutex
		refs []database.EntityRef
	)
	collect := func(res Result) {
		documentsTotal.WithLabelValues(string(res.Outcome)).Inc()
		documentDuration.Observe(res.Duration.Seconds())
		c.progress.record(res.Outcome)

		mu.Lock()
		defer mu.Unlock()
		switch res.Outcome {
		case Processed:
			summary.Processed++
		case Skipped:
			summary.Skipped++
		case Failed:
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{Path: res.Document.Path, Error: res.Err.Error()})
		}
		refs = append(refs, res.Refs...)
	}

	if opts.Inline {
		err = session.Worker(ctx, func(conn *database.Conn) error {
			for _, doc := range docs {
				if err := ctx.Err(); err != nil {
					return err
				}
				collect(worker.Process(ctx, conn, doc))
			}
			return nil
		})
	} else {
		err = c.pool(ctx, session, docs, opts.Concurrency, worker, collect)
	}

	if finishErr := session.Finish(ctx); finishErr != nil {
		return refs, errors.Join(err, finishErr)
	}
	return refs, err
}

// pool runs concurrency workers over a bounded queue. The queue is closed
// once every document has been dispatched, which ends the workers.
func (c *Coordinator) pool(ctx context.Context, session *database.Session, docs []source.Document, concurrency int, worker *Worker, collect func(Result)) error {
	queue := make(chan source.Document, 2*concurrency)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, doc := range docs {
			select {
			case queue <- doc:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for range concurrency {
		g.Go(func() error {
			return session.Worker(gctx, func(conn *database.Conn) error {
				for doc := range queue {
					if gctx.Err() != nil {
						continue
					}
					collect(worker.Process(gctx, conn, doc))
				}
				return nil
			})
		})
	}

	return g.Wait()
}
