package database_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/iziplay/findingaids/pkg/database"
	"github.com/iziplay/findingaids/pkg/database/databasetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	findingAid *database.FindingAid
	component  *database.FAComponent
	authority  *database.Authority
	entry      *database.IndexEntry
}

func seed(t *testing.T, w *database.Writer, stableID string) fixture {
	t.Helper()
	ctx := context.Background()

	fa := &database.FindingAid{ID: database.StableUUID(stableID), StableID: stableID, Title: "Fonds Hugo", SourceHash: "h1"}
	comp := &database.FAComponent{ID: database.StableUUID(stableID + "/c1"), StableID: stableID + "/c1", FindingAidID: fa.ID, Title: "Letters"}
	auth := &database.Authority{ID: uuid.New(), Kind: database.Agent, Label: "Hugo, Victor"}
	compID := comp.ID
	entry := &database.IndexEntry{
		ID: database.StableUUID(stableID + "/e1"), FindingAidID: fa.ID, ComponentID: &compID,
		AuthorityID: auth.ID, Kind: database.Agent, Label: "Hugo, Victor", Role: "subject",
	}

	for _, e := range []any{fa, comp, auth, entry} {
		require.NoError(t, w.WriteEntity(ctx, e))
	}
	return fixture{fa, comp, auth, entry}
}

func TestOrphanGuard(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	f := seed(t, w, "FRAD001/ead1")
	require.NoError(t, w.Commit(ctx))

	w, err = store.Begin(ctx)
	require.NoError(t, err)
	err = w.DeleteAuthority(ctx, f.authority.ID)
	assert.ErrorIs(t, err, database.ErrIntegrity)
	require.NoError(t, w.Rollback())

	w, err = store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, w.DB().Delete(&database.IndexEntry{}, "id = ?", f.entry.ID).Error)
	require.NoError(t, w.DeleteAuthority(ctx, f.authority.ID))
	require.NoError(t, w.Commit(ctx))

	_, err = store.Authority(ctx, f.authority.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestOrphanGuardRejectsUnscopedDelete(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	err := store.DB().WithContext(ctx).Where("kind = ?", "agent").Delete(&database.Authority{}).Error
	assert.ErrorIs(t, err, database.ErrIntegrity)

	err = database.AllowAuthorityDelete(store.DB().WithContext(ctx)).Where("kind = ?", "agent").Delete(&database.Authority{}).Error
	assert.NoError(t, err)
}

func TestGroupedAuthorityIsNotOrphan(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	a := &database.Authority{ID: uuid.New(), Kind: database.Location, Label: "Paris"}
	b := &database.Authority{ID: uuid.New(), Kind: database.Location, Label: "Paris (France)"}
	c := &database.Authority{ID: uuid.New(), Kind: database.Location, Label: "Lutèce"}

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	for _, e := range []any{a, b, c} {
		require.NoError(t, w.WriteEntity(ctx, e))
	}
	require.NoError(t, w.WriteRelation(ctx, a.ID, database.RelGroupedWith, b.ID.String()))
	require.NoError(t, w.Commit(ctx))

	orphans, err := store.Orphans(ctx, database.Location)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{c.ID}, orphans)

	w, err = store.Begin(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, w.DeleteAuthority(ctx, b.ID), database.ErrIntegrity)
	require.NoError(t, w.Rollback())

	refs, err := store.References(ctx, []uuid.UUID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, refs[a.ID].Grouped)
	assert.Equal(t, 1, refs[b.ID].Grouped)
}

func TestWriteRelationValidation(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	defer w.Rollback()

	id := uuid.New()
	assert.Error(t, w.WriteRelation(ctx, id, database.RelGroupedWith, id.String()))
	assert.Error(t, w.WriteRelation(ctx, id, database.RelGroupedWith, "not-a-uuid"))
	assert.Error(t, w.WriteRelation(ctx, id, database.RelSameAs, ""))
	assert.Error(t, w.WriteRelation(ctx, id, "sibling", "x"))
	assert.ErrorIs(t, w.WriteEntity(ctx, &struct{}{}), database.ErrUnsupportedEntity)
}

func TestHistoryUpsertOverwritesIdentityOnly(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	first := &database.Authority{ID: uuid.New(), Kind: database.Agent, Label: "Jean Valjean"}
	second := &database.Authority{ID: uuid.New(), Kind: database.Agent, Label: "J. Valjean"}
	key := database.AuthorityHistory{StableID: "FRAD001/ead1", Kind: database.Agent, Label: "jean valjean", Role: "subject"}

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, w.WriteEntity(ctx, first))
	require.NoError(t, w.WriteEntity(ctx, second))

	h := key
	h.AuthorityID = first.ID
	require.NoError(t, w.UpsertHistory(ctx, &h))
	h = key
	h.AuthorityID = second.ID
	require.NoError(t, w.UpsertHistory(ctx, &h))

	id, found, err := w.LookupHistory(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, second.ID, id)
	require.NoError(t, w.Commit(ctx))

	var rows []database.AuthorityHistory
	require.NoError(t, store.DB().Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, key.Label, rows[0].Label)
	assert.Equal(t, second.ID, rows[0].AuthorityID)
}

func TestLookupHistoryIgnoresDeletedAuthority(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	gone := uuid.New()
	key := database.AuthorityHistory{StableID: "doc", Kind: database.Subject, Label: "marine", Role: ""}

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	defer w.Rollback()

	h := key
	h.AuthorityID = gone
	require.NoError(t, w.UpsertHistory(ctx, &h))

	_, found, err := w.LookupHistory(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteFindingAid(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	f := seed(t, w, "FRAD001/ead1")
	h := database.AuthorityHistory{StableID: "FRAD001/ead1", Kind: database.Agent, Label: "victor hugo", Role: "subject", AuthorityID: f.authority.ID}
	require.NoError(t, w.UpsertHistory(ctx, &h))
	require.NoError(t, w.Commit(ctx))

	w, err = store.Begin(ctx)
	require.NoError(t, err)
	removal, err := w.DeleteFindingAid(ctx, "FRAD001/ead1", true)
	require.NoError(t, err)
	require.NotNil(t, removal)
	assert.Equal(t, f.findingAid.ID, removal.FindingAidID)
	assert.Equal(t, []uuid.UUID{f.component.ID}, removal.ComponentIDs)
	assert.Equal(t, []uuid.UUID{f.authority.ID}, removal.AuthorityIDs)

	missing, err := w.DeleteFindingAid(ctx, "FRAD001/unknown", true)
	require.NoError(t, err)
	assert.Nil(t, missing)
	require.NoError(t, w.Commit(ctx))

	var n int64
	require.NoError(t, store.DB().Model(&database.FAComponent{}).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, store.DB().Model(&database.AuthorityHistory{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	orphans, err := store.Orphans(ctx, database.Agent)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.authority.ID}, orphans)
}

func TestReplaceAuthority(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	f := seed(t, w, "FRAD001/ead1")
	winner := &database.Authority{ID: uuid.New(), Kind: database.Agent, Label: "Victor Hugo"}
	require.NoError(t, w.WriteEntity(ctx, winner))
	require.NoError(t, w.WriteRelation(ctx, f.authority.ID, database.RelSameAs, "https://www.wikidata.org/wiki/Q535"))
	h := database.AuthorityHistory{StableID: "FRAD001/ead1", Kind: database.Agent, Label: "victor hugo", Role: "subject", AuthorityID: f.authority.ID}
	require.NoError(t, w.UpsertHistory(ctx, &h))

	require.NoError(t, w.ReplaceAuthority(ctx, f.authority.ID, winner.ID))
	require.NoError(t, w.Commit(ctx))

	_, err = store.Authority(ctx, f.authority.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)

	refs, err := store.References(ctx, []uuid.UUID{winner.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, refs[winner.ID].Components)
	assert.Equal(t, 1, refs[winner.ID].SameAs)

	links, err := store.SameAsOf(ctx, winner.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "www.wikidata.org", links[0].Source)
}

func TestPurgeAuthoritiesSkipsReferenced(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	f := seed(t, w, "FRAD001/ead1")
	orphan := &database.Authority{ID: uuid.New(), Kind: database.Agent, Label: "Nobody"}
	require.NoError(t, w.WriteEntity(ctx, orphan))
	h := database.AuthorityHistory{StableID: "FRAD001/ead0", Kind: database.Agent, Label: "nobody", AuthorityID: orphan.ID}
	require.NoError(t, w.UpsertHistory(ctx, &h))
	require.NoError(t, w.Commit(ctx))

	w, err = store.Begin(ctx)
	require.NoError(t, err)
	deleted, err := w.PurgeAuthorities(ctx, []uuid.UUID{orphan.ID, f.authority.ID})
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx))

	assert.Equal(t, []uuid.UUID{orphan.ID}, deleted)
	var n int64
	require.NoError(t, store.DB().Model(&database.AuthorityHistory{}).Count(&n).Error)
	assert.Zero(t, n)
	_, err = store.Authority(ctx, f.authority.ID)
	assert.NoError(t, err)
}

func TestBulkSessionBuffersUntilCommit(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	session, err := store.OpenSession(ctx, database.Bulk)
	require.NoError(t, err)
	defer session.Finish(ctx)

	err = session.Worker(ctx, func(conn *database.Conn) error {
		w, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer w.Rollback()

		// The entry is written before its authority; the flush orders them.
		auth := &database.Authority{ID: uuid.New(), Kind: database.Subject, Label: "Marine"}
		fa := &database.FindingAid{ID: database.StableUUID("s/1"), StableID: "s/1"}
		entry := &database.IndexEntry{ID: uuid.New(), FindingAidID: fa.ID, AuthorityID: auth.ID, Kind: database.Subject, Label: "Marine"}
		for _, e := range []any{entry, auth, fa} {
			require.NoError(t, w.WriteEntity(ctx, e))
		}

		var n int64
		require.NoError(t, w.DB().Model(&database.IndexEntry{}).Count(&n).Error)
		assert.Zero(t, n)

		return w.Commit(ctx)
	})
	require.NoError(t, err)
	require.NoError(t, session.Finish(ctx))
	require.NoError(t, session.Finish(ctx))

	var n int64
	require.NoError(t, store.DB().Model(&database.IndexEntry{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	assert.Error(t, session.Worker(ctx, func(*database.Conn) error { return nil }))
}

func TestTransactionalSessionEnforcesForeignKeys(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	session, err := store.OpenSession(ctx, database.Transactional)
	require.NoError(t, err)
	defer session.Finish(ctx)

	err = session.Worker(ctx, func(conn *database.Conn) error {
		w, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer w.Rollback()

		entry := &database.IndexEntry{ID: uuid.New(), FindingAidID: uuid.New(), AuthorityID: uuid.New(), Kind: database.Subject, Label: "Marine"}
		return w.WriteEntity(ctx, entry)
	})
	assert.Error(t, err)
}

func TestOpenSessionRejectsUnknownMode(t *testing.T) {
	_, err := databasetest.NewStore(t).OpenSession(context.Background(), "massive")
	assert.Error(t, err)
}

func TestLocateAndDocumentRefs(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	f := seed(t, w, "FRAD001/ead1")
	require.NoError(t, w.Commit(ctx))

	ref, err := store.Locate(ctx, "FRAD001/ead1")
	require.NoError(t, err)
	assert.Equal(t, database.EntityRef{Type: database.EntityFindingAid, ID: f.findingAid.ID}, ref)

	ref, err = store.Locate(ctx, f.authority.ID.String())
	require.NoError(t, err)
	assert.Equal(t, database.EntityAuthority, ref.Type)

	_, err = store.Locate(ctx, "nothing")
	assert.ErrorIs(t, err, database.ErrNotFound)

	refs, err := store.DocumentRefs(ctx, f.findingAid.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []database.EntityRef{
		{Type: database.EntityFindingAid, ID: f.findingAid.ID},
		{Type: database.EntityComponent, ID: f.component.ID},
		{Type: database.EntityAuthority, ID: f.authority.ID},
	}, refs)
}

func TestStatisticsAndImportRuns(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	_, err := store.LastImportRun(ctx, false)
	assert.ErrorIs(t, err, database.ErrNotFound)

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	seed(t, w, "FRAD001/ead1")
	require.NoError(t, w.Commit(ctx))

	run := &database.ImportRun{Mode: "bulk", Documents: 1, Processed: 1, Complete: true}
	require.NoError(t, store.SaveImportRun(ctx, run))
	assert.NotZero(t, run.ID)

	stats, err := store.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FindingAids)
	assert.Equal(t, 1, stats.Components)
	assert.Equal(t, []database.TypeCount{{Type: "agent", Count: 1}}, stats.Authorities)
	assert.NotEmpty(t, stats.LastImport)

	found, total, err := store.SearchAuthorities(ctx, "hugo", database.Agent, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, found, 1)
}

func TestServiceDirectory(t *testing.T) {
	ctx := context.Background()
	store := databasetest.NewStore(t)

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, w.WriteEntity(ctx, &database.Service{Code: "FRAD001", Name: "Archives départementales de l'Ain"}))
	require.NoError(t, w.WriteEntity(ctx, &database.Service{Code: "FRAD001", Name: "AD Ain"}))
	require.NoError(t, w.Commit(ctx))

	dir, err := store.LoadServiceDirectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dir.Len())
	svc, ok := dir.Lookup("FRAD001")
	assert.True(t, ok)
	assert.Equal(t, "AD Ain", svc.Name)

	var empty *database.ServiceDirectory
	_, ok = empty.Lookup("FRAD001")
	assert.False(t, ok)
}
