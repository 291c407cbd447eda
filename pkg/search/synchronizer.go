package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/iziplay/findingaids/pkg/config"
	"github.com/iziplay/findingaids/pkg/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const deleteBatchSize = 500

var (
	indexedDocuments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "findingaids_index_documents_total",
		Help: "Documents sent to the search engine, by index and outcome.",
	}, []string{"index", "outcome"})

	deletedDocuments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "findingaids_index_deleted_total",
		Help: "Documents deleted from the search engine.",
	})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "findingaids_index_sync_duration_seconds",
		Help:    "Duration of a synchronization pass.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	})
)

// Synchronizer projects store entities into the search indexes.
type Synchronizer struct {
	engine    Engine
	reader    Reader
	indexes   map[Family]string
	batchSize int
	logger    *slog.Logger
}

// NewSynchronizer returns a synchronizer writing to the indexes named in cfg.
func NewSynchronizer(engine Engine, reader Reader, cfg config.SearchConfig, logger *slog.Logger) *Synchronizer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Synchronizer{
		engine: engine,
		reader: reader,
		indexes: map[Family]string{
			Content: cfg.ContentIndex,
			Suggest: cfg.SuggestIndex,
			Person:  cfg.PersonIndex,
		},
		batchSize: batchSize,
		logger:    logger.With("component", "search"),
	}
}

// Index returns the index name of a family.
func (s *Synchronizer) Index(f Family) string {
	return s.indexes[f]
}

// Ping checks the search engine is reachable.
func (s *Synchronizer) Ping(ctx context.Context) error {
	return s.engine.Ping(ctx)
}

// EnsureIndexes creates the missing indexes with their mappings.
func (s *Synchronizer) EnsureIndexes(ctx context.Context) error {
	for _, f := range Families() {
		mapping, err := Mapping(f)
		if err != nil {
			return err
		}
		if err := s.engine.EnsureIndex(ctx, s.indexes[f], mapping); err != nil {
			return fmt.Errorf("failed to create index %s: %w", s.indexes[f], err)
		}
	}
	return nil
}

// Counts returns the number of documents of each index.
func (s *Synchronizer) Counts(ctx context.Context) (map[Family]int64, error) {
	out := make(map[Family]int64, len(s.indexes))
	for _, f := range Families() {
		n, err := s.engine.Count(ctx, s.indexes[f])
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", s.indexes[f], err)
		}
		out[f] = n
	}
	return out, nil
}

// Upsert indexes the current state of refs. Entities indexed through a
// container are replaced by their container. Entities that no longer exist
// have their documents deleted from every index. Documents the engine rejects
// or cannot be reached for are reported, not returned as an error.
func (s *Synchronizer) Upsert(ctx context.Context, refs []database.EntityRef) (*Report, error) {
	start := time.Now()
	defer func() { syncDuration.Observe(time.Since(start).Seconds()) }()

	services, err := s.reader.LoadServiceDirectory(ctx)
	if err != nil {
		return nil, err
	}
	table := newDispatch(s.reader, services)

	byType, err := s.group(ctx, table, refs)
	if err != nil {
		return nil, err
	}

	var (
		docs    []Document
		missing []uuid.UUID
	)
	for typ, ids := range byType {
		builders, ok := table.builders[typ]
		if !ok {
			return nil, fmt.Errorf("%s: %w", typ, database.ErrUnsupportedEntity)
		}
		found := make(map[uuid.UUID]bool, len(ids))
		for _, b := range builders {
			built, err := b.Build(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("failed to build %s documents: %w", b.Family(), err)
			}
			for _, d := range built {
				found[d.EntityID] = true
			}
			docs = append(docs, built...)
		}
		for _, id := range ids {
			if !found[id] {
				missing = append(missing, id)
			}
		}
	}

	report := &Report{}
	if err := s.send(ctx, dedupeDocuments(docs), report); err != nil {
		return report, err
	}

	if len(missing) > 0 {
		n, err := s.DeleteByEntityIDs(ctx, missing)
		report.Deleted = n
		if err != nil {
			s.logger.Error("Cannot delete documents of missing entities", "entities", len(missing), "error", err)
			for _, id := range missing {
				for _, f := range Families() {
					report.Errors = append(report.Errors, ItemError{Index: s.indexes[f], ID: id.String(), Reason: err.Error()})
				}
			}
		}
	}

	s.logger.Info("Index synchronization done", "refs", len(refs), "report", report.String())
	return report, nil
}

// group dedupes refs, resolves containers and groups ids by entity type.
func (s *Synchronizer) group(ctx context.Context, table dispatch, refs []database.EntityRef) (map[database.EntityType][]uuid.UUID, error) {
	seen := make(map[database.EntityRef]bool, len(refs))
	byType := make(map[database.EntityType][]uuid.UUID)

	add := func(ref database.EntityRef) {
		if seen[ref] {
			return
		}
		seen[ref] = true
		byType[ref.Type] = append(byType[ref.Type], ref.ID)
	}

	contained := make(map[database.EntityType][]uuid.UUID)
	for _, ref := range refs {
		if _, ok := table.containers[ref.Type]; ok {
			contained[ref.Type] = append(contained[ref.Type], ref.ID)
			continue
		}
		add(ref)
	}
	for typ, ids := range contained {
		parents, err := table.containers[typ](ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s containers: %w", typ, err)
		}
		for _, p := range parents {
			add(p)
		}
	}
	return byType, nil
}

func dedupeDocuments(docs []Document) []Document {
	type key struct {
		family Family
		id     string
	}
	pos := make(map[key]int, len(docs))
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		k := key{d.Family, d.ID}
		if i, ok := pos[k]; ok {
			out[i] = d
			continue
		}
		pos[k] = len(out)
		out = append(out, d)
	}
	return out
}

func (s *Synchronizer) send(ctx context.Context, docs []Document, report *Report) error {
	for start := 0; start < len(docs); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+s.batchSize, len(docs))

		ops := make([]BulkOp, 0, end-start)
		for _, d := range docs[start:end] {
			body, err := json.Marshal(d.Body)
			if err != nil {
				report.Errors = append(report.Errors, ItemError{Index: s.indexes[d.Family], ID: d.ID, Reason: err.Error()})
				continue
			}
			ops = append(ops, BulkOp{Index: s.indexes[d.Family], ID: d.ID, Body: body})
		}

		results, err := s.engine.Bulk(ctx, ops)
		if err != nil {
			s.logger.Error("Bulk request failed", "documents", len(ops), "error", err)
			for _, op := range ops {
				report.Errors = append(report.Errors, ItemError{Index: op.Index, ID: op.ID, Reason: err.Error()})
				indexedDocuments.WithLabelValues(op.Index, "error").Inc()
			}
			continue
		}
		for _, r := range results {
			if r.Failed() {
				s.logger.Warn("Document rejected", "index", r.Index, "id", r.ID, "status", r.Status, "error", r.Error)
				report.Errors = append(report.Errors, ItemError{Index: r.Index, ID: r.ID, Reason: r.Error})
				indexedDocuments.WithLabelValues(r.Index, "error").Inc()
				continue
			}
			report.Indexed++
			indexedDocuments.WithLabelValues(r.Index, "ok").Inc()
		}
	}
	return nil
}

// DeleteByEntityIDs deletes the documents of entities from the indexes of
// families, or from every index when no family is given.
func (s *Synchronizer) DeleteByEntityIDs(ctx context.Context, ids []uuid.UUID, families ...Family) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if len(families) == 0 {
		families = Families()
	}
	indexes := make([]string, 0, len(families))
	for _, f := range families {
		indexes = append(indexes, s.indexes[f])
	}

	var deleted int64
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		values := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			values = append(values, id.String())
		}
		n, err := s.engine.DeleteByQuery(ctx, indexes, EntityQuery(values))
		if err != nil {
			return deleted, fmt.Errorf("failed to delete documents: %w", err)
		}
		deleted += n
	}
	deletedDocuments.Add(float64(deleted))
	return deleted, nil
}

// EntityQuery matches the documents of the given entity ids.
func EntityQuery(ids []string) map[string]any {
	return map[string]any{
		"terms": map[string]any{EntityField: ids},
	}
}
