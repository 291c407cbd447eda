// Package authority reconciles the named entities of imported documents
// into shared authority records.
package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/iziplay/findingaids/pkg/database"
	"github.com/iziplay/findingaids/pkg/normalize"
)

// ErrEmptyLabel is returned for labels without any matchable character.
var ErrEmptyLabel = errors.New("label has no matchable content")

// Key returns the matching key of a label of kind. Agent labels are
// normalized as names, the other kinds as terms.
func Key(kind database.AuthorityKind, rawLabel string) string {
	if kind == database.Agent {
		return normalize.Label(rawLabel)
	}
	return normalize.Term(rawLabel)
}

type runKey struct {
	kind database.AuthorityKind
	key  string
}

// Stats counts what a reconciler did during a run.
type Stats struct {
	Created int64 `json:"created"`
	Merged  int64 `json:"merged"`
	History int64 `json:"history"`
}

// Reconciler resolves labels to authorities. One reconciler spans one import
// run: authorities created by a document are reused by the documents
// committed after it.
type Reconciler struct {
	store  *database.Store
	logger *slog.Logger

	mu    sync.Mutex
	known map[runKey]uuid.UUID

	created atomic.Int64
	merged  atomic.Int64
	history atomic.Int64
}

// NewReconciler returns a reconciler with an empty run map.
func NewReconciler(store *database.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: logger.With("component", "authority"),
		known:  make(map[runKey]uuid.UUID),
	}
}

// Stats returns the counters of the run so far.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Created: r.created.Load(),
		Merged:  r.merged.Load(),
		History: r.history.Load(),
	}
}

func (r *Reconciler) lookup(k runKey) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.known[k]
	return id, ok
}

// Scope opens the resolution context of one document, writing through w.
func (r *Reconciler) Scope(w *database.Writer, sourceDocID string) *Scope {
	return &Scope{
		r:        r,
		w:        w,
		sourceID: sourceDocID,
		pending:  make(map[runKey]uuid.UUID),
		seen:     make(map[runKey]uuid.UUID),
		touched:  make(map[uuid.UUID]struct{}),
	}
}

// Scope resolves the labels of a single document. It is not safe for
// concurrent use; each worker owns the scope of the document it processes.
type Scope struct {
	r        *Reconciler
	w        *database.Writer
	sourceID string

	// pending holds the authorities created by this document.
	pending map[runKey]uuid.UUID
	// seen holds the authorities found through the history.
	seen    map[runKey]uuid.UUID
	touched map[uuid.UUID]struct{}
}

// Resolve returns the authority of a label of the document:
//  1. the authority the history recorded for this document, kind, key and
//     role, provided it still exists;
//  2. otherwise an authority already used for the same key during the run;
//  3. otherwise a new authority labelled with the raw label.
//
// The history is then upserted with the result.
func (s *Scope) Resolve(ctx context.Context, kind database.AuthorityKind, rawLabel, role string) (uuid.UUID, error) {
	if _, err := database.ParseAuthorityKind(string(kind)); err != nil {
		return uuid.Nil, err
	}
	key := Key(kind, rawLabel)
	if key == "" {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrEmptyLabel, rawLabel)
	}
	rk := runKey{kind: kind, key: key}

	history := database.AuthorityHistory{StableID: s.sourceID, Kind: kind, Label: key, Role: role}
	id, found, err := s.w.LookupHistory(ctx, history)
	if err != nil {
		return uuid.Nil, err
	}

	switch {
	case found:
		s.r.history.Add(1)
		if _, ok := s.seen[rk]; !ok {
			s.seen[rk] = id
		}
	default:
		var ok bool
		if id, ok = s.pending[rk]; ok {
			break
		}
		if id, ok = s.r.lookup(rk); ok {
			break
		}
		id = uuid.New()
		authority := &database.Authority{ID: id, Kind: kind, Label: normalize.Display(rawLabel)}
		if err := s.w.WriteEntity(ctx, authority); err != nil {
			return uuid.Nil, err
		}
		s.pending[rk] = id
		s.r.created.Add(1)
	}

	history.AuthorityID = id
	if err := s.w.UpsertHistory(ctx, &history); err != nil {
		return uuid.Nil, err
	}

	s.touched[id] = struct{}{}
	return id, nil
}

// Commit commits the document. Authorities it created for a key that another
// document registered in the meantime are merged into that document's
// authority. Once committed, its authorities join the run map.
func (s *Scope) Commit(ctx context.Context) error {
	s.r.mu.Lock()
	conflicts := s.r.conflicts(s.pending)
	s.r.mu.Unlock()

	for rk, winner := range conflicts {
		if err := s.merge(ctx, s.w, rk, winner); err != nil {
			return err
		}
	}

	if err := s.w.Commit(ctx); err != nil {
		return err
	}

	if late := s.publish(); len(late) > 0 {
		if err := s.mergeLate(ctx, late); err != nil {
			s.r.logger.Error("Cannot merge authorities registered during commit", "document", s.sourceID, "error", err)
		}
	}
	return nil
}

// conflicts returns, for the keys of pending already registered to another
// authority, that authority. Callers hold r.mu.
func (r *Reconciler) conflicts(pending map[runKey]uuid.UUID) map[runKey]uuid.UUID {
	out := make(map[runKey]uuid.UUID)
	for rk, id := range pending {
		if winner, ok := r.known[rk]; ok && winner != id {
			out[rk] = winner
		}
	}
	return out
}

// publish registers the authorities of the committed document. Keys another
// document registered while this one was committing are returned instead.
func (s *Scope) publish() map[runKey]uuid.UUID {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()

	late := s.r.conflicts(s.pending)
	for rk, id := range s.pending {
		if _, ok := late[rk]; !ok {
			s.r.known[rk] = id
		}
	}
	for rk, id := range s.seen {
		if _, ok := s.r.known[rk]; !ok {
			s.r.known[rk] = id
		}
	}
	return late
}

// mergeLate merges authorities of an already committed document in a
// transaction of its own.
func (s *Scope) mergeLate(ctx context.Context, late map[runKey]uuid.UUID) error {
	w, err := s.r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer w.Rollback()

	for rk, winner := range late {
		if err := s.merge(ctx, w, rk, winner); err != nil {
			return err
		}
	}
	return w.Commit(ctx)
}

func (s *Scope) merge(ctx context.Context, w *database.Writer, rk runKey, winner uuid.UUID) error {
	id := s.pending[rk]
	if err := w.ReplaceAuthority(ctx, id, winner); err != nil {
		return fmt.Errorf("failed to merge authority %s into %s: %w", id, winner, err)
	}
	s.r.logger.Debug("Merged concurrently created authority", "key", rk.key, "kind", rk.kind, "from", id, "into", winner)
	s.pending[rk] = winner
	delete(s.touched, id)
	s.touched[winner] = struct{}{}
	s.r.merged.Add(1)
	s.r.created.Add(-1)
	return nil
}

// Authorities returns the authorities the document resolved to.
func (s *Scope) Authorities() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.touched))
	for id := range s.touched {
		ids = append(ids, id)
	}
	return ids
}

// DeleteIfOrphan deletes an authority nothing references. It fails with
// database.ErrIntegrity otherwise.
func (r *Reconciler) DeleteIfOrphan(ctx context.Context, id uuid.UUID) error {
	w, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer w.Rollback()

	if err := w.DeleteAuthority(ctx, id); err != nil {
		return err
	}
	return w.Commit(ctx)
}

// Group records an operator's decision that authority from denotes the same
// entity as authority to. Both must exist and share a kind.
func (r *Reconciler) Group(ctx context.Context, from, to uuid.UUID) error {
	src, err := r.store.Authority(ctx, from)
	if err != nil {
		return err
	}
	dst, err := r.store.Authority(ctx, to)
	if err != nil {
		return err
	}
	if src.Kind != dst.Kind {
		return fmt.Errorf("cannot group %s authority %s with %s authority %s", src.Kind, from, dst.Kind, to)
	}

	w, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer w.Rollback()

	if err := w.WriteRelation(ctx, from, database.RelGroupedWith, to.String()); err != nil {
		return err
	}
	if err := w.Commit(ctx); err != nil {
		return err
	}

	r.logger.Info("Authorities grouped", "authority", from, "target", to)
	return nil
}
