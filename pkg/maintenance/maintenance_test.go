package maintenance_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iziplay/findingaids/pkg/config"
	"github.com/iziplay/findingaids/pkg/database"
	"github.com/iziplay/findingaids/pkg/database/databasetest"
	"github.com/iziplay/findingaids/pkg/maintenance"
	"github.com/iziplay/findingaids/pkg/search"
	"github.com/iziplay/findingaids/pkg/search/searchtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

type env struct {
	store   *database.Store
	engine  *searchtest.Engine
	sync    *search.Synchronizer
	orphans []uuid.UUID
	used    uuid.UUID
}

// newEnv stores five orphan locations with history and one referenced
// location, all indexed.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store := databasetest.NewStore(t)
	engine := searchtest.New()
	sync := search.NewSynchronizer(engine, store, config.SearchConfig{
		ContentIndex: "content", SuggestIndex: "suggest", PersonIndex: "persons", BatchSize: 100,
	}, logger)

	e := &env{store: store, engine: engine, sync: sync}

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	var refs []database.EntityRef
	for i := range 5 {
		a := &database.Authority{ID: uuid.New(), Kind: database.Location, Label: "Lieu " + string(rune('A'+i))}
		require.NoError(t, w.WriteEntity(ctx, a))
		require.NoError(t, w.UpsertHistory(ctx, &database.AuthorityHistory{
			StableID: "old_doc", Kind: database.Location, Label: a.Label, Role: "", AuthorityID: a.ID,
		}))
		e.orphans = append(e.orphans, a.ID)
		refs = append(refs, database.EntityRef{Type: database.EntityAuthority, ID: a.ID})
	}

	fa := &database.FindingAid{ID: database.StableUUID("doc"), StableID: "doc", Title: "Cadastre"}
	used := &database.Authority{ID: uuid.New(), Kind: database.Location, Label: "Lyon"}
	entry := &database.IndexEntry{ID: database.StableUUID("doc#0"), FindingAidID: fa.ID, AuthorityID: used.ID, Kind: database.Location, Label: "Lyon"}
	for _, v := range []any{fa, used, entry} {
		require.NoError(t, w.WriteEntity(ctx, v))
	}
	require.NoError(t, w.Commit(ctx))
	e.used = used.ID
	refs = append(refs, database.EntityRef{Type: database.EntityAuthority, ID: used.ID})

	_, err = sync.Upsert(ctx, refs)
	require.NoError(t, err)
	require.Len(t, engine.IDs("suggest"), 6)
	return e
}

func (e *env) service(batchSize int, remover maintenance.Remover) *maintenance.Service {
	if remover == nil {
		remover = e.sync
	}
	return maintenance.New(e.store, remover, config.ImportConfig{PurgeBatchSize: batchSize}, logger)
}

func TestFindOrphans(t *testing.T) {
	e := newEnv(t)

	ids, err := e.service(100, nil).FindOrphans(context.Background(), database.Location)
	require.NoError(t, err)
	assert.ElementsMatch(t, e.orphans, ids)

	ids, err = e.service(100, nil).FindOrphans(context.Background(), database.Agent)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPurgeInBatches(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	report, err := e.service(2, nil).Purge(ctx, append(e.orphans, e.used), false)
	require.NoError(t, err)
	assert.Equal(t, &maintenance.Report{Candidates: 6, Purged: 5, Kept: 1, IndexDeleted: 5, Batches: 3}, report)

	assert.Equal(t, []string{e.used.String()}, e.engine.IDs("suggest"))

	var n int64
	require.NoError(t, e.store.DB().Model(&database.Authority{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
	require.NoError(t, e.store.DB().Model(&database.AuthorityHistory{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestPurgeDryRun(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	report, err := e.service(100, nil).PurgeOrphans(ctx, nil, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 5, report.Purged)
	assert.Zero(t, report.IndexDeleted)

	orphans, err := e.store.Orphans(ctx, database.Location)
	require.NoError(t, err)
	assert.Len(t, orphans, 5)
	assert.Len(t, e.engine.IDs("suggest"), 6)
}

type failingRemover struct{}

func (failingRemover) DeleteByEntityIDs(context.Context, []uuid.UUID, ...search.Family) (int64, error) {
	return 0, errors.New("search engine unreachable")
}

func TestPurgeKeepsAuthoritiesWhenIndexFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.service(100, failingRemover{}).Purge(ctx, e.orphans, false)
	require.Error(t, err)

	orphans, err := e.store.Orphans(ctx, database.Location)
	require.NoError(t, err)
	assert.Len(t, orphans, 5)
}

func TestPeriodicPurge(t *testing.T) {
	e := newEnv(t)
	svc := maintenance.New(e.store, e.sync, config.ImportConfig{
		PurgeBatchSize:      100,
		MaintenanceInterval: 10 * time.Millisecond,
	}, logger)

	svc.Start(context.Background())
	defer svc.Stop()

	assert.Eventually(t, func() bool {
		orphans, err := e.store.Orphans(context.Background(), database.Location)
		return err == nil && len(orphans) == 0
	}, 5*time.Second, 20*time.Millisecond)
}
