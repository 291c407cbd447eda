package search_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/iziplay/findingaids/pkg/config"
	"github.com/iziplay/findingaids/pkg/database"
	"github.com/iziplay/findingaids/pkg/database/databasetest"
	"github.com/iziplay/findingaids/pkg/search"
	"github.com/iziplay/findingaids/pkg/search/searchtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var searchConfig = config.SearchConfig{
	ContentIndex: "content",
	SuggestIndex: "suggest",
	PersonIndex:  "persons",
	BatchSize:    2,
}

type fixture struct {
	findingAid *database.FindingAid
	component  *database.FAComponent
	attachment *database.Attachment
	authority  *database.Authority
	entry      *database.IndexEntry
	person     *database.PersonRecord
}

func (f fixture) refs() []database.EntityRef {
	return []database.EntityRef{
		{Type: database.EntityFindingAid, ID: f.findingAid.ID},
		{Type: database.EntityComponent, ID: f.component.ID},
		{Type: database.EntityAttachment, ID: f.attachment.ID},
		{Type: database.EntityAuthority, ID: f.authority.ID},
		{Type: database.EntityPersonRecord, ID: f.person.ID},
	}
}

func setup(t *testing.T) (*database.Store, *searchtest.Engine, *search.Synchronizer, fixture) {
	t.Helper()
	ctx := context.Background()
	store := databasetest.NewStore(t)
	engine := searchtest.New()
	sync := search.NewSynchronizer(engine, store, searchConfig, slog.New(slog.NewTextHandler(io.Discard, nil)))

	fa := &database.FindingAid{ID: database.StableUUID("FRAD075_ead1"), StableID: "FRAD075_ead1", ServiceCode: "FRAD075", Title: "Fonds Hugo"}
	comp := &database.FAComponent{ID: database.StableUUID("FRAD075_ead1/c1"), StableID: "FRAD075_ead1/c1", FindingAidID: fa.ID, Title: "Lettres"}
	att := &database.Attachment{ID: database.StableUUID("FRAD075_ead1/a1"), FindingAidID: fa.ID, Filename: "notes.txt", Text: "inventaire manuscrit"}
	auth := &database.Authority{ID: uuid.New(), Kind: database.Agent, Label: "Hugo, Victor"}
	compID := comp.ID
	entry := &database.IndexEntry{
		ID: database.StableUUID("FRAD075_ead1/e1"), FindingAidID: fa.ID, ComponentID: &compID,
		AuthorityID: auth.ID, Kind: database.Agent, Label: "Hugo, Victor", Role: "subject",
	}
	person := &database.PersonRecord{ID: database.StableUUID("FRAD075_p1"), StableID: "FRAD075_p1", ServiceCode: "FRAD075", Forenames: "Jean", Surname: "Valjean"}

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	for _, e := range []any{
		&database.Service{Code: "FRAD075", Name: "Archives de Paris"},
		fa, comp, att, auth, entry, person,
	} {
		require.NoError(t, w.WriteEntity(ctx, e))
	}
	require.NoError(t, w.Commit(ctx))

	return store, engine, sync, fixture{fa, comp, att, auth, entry, person}
}

func TestEnsureIndexes(t *testing.T) {
	_, engine, sync, _ := setup(t)

	require.NoError(t, sync.EnsureIndexes(context.Background()))
	for _, name := range []string{"content", "suggest", "persons"} {
		assert.True(t, engine.HasIndex(name), name)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, engine, sync, f := setup(t)

	for range 2 {
		report, err := sync.Upsert(ctx, append(f.refs(), f.refs()...))
		require.NoError(t, err)
		assert.Equal(t, 4, report.Indexed)
		assert.Zero(t, report.Failed())
	}

	counts, err := sync.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[search.Family]int64{search.Content: 2, search.Suggest: 1, search.Person: 1}, counts)

	doc, ok := engine.Doc("content", f.findingAid.StableID)
	require.True(t, ok)
	assert.Equal(t, f.findingAid.ID.String(), doc[search.EntityField])
	assert.Equal(t, "Archives de Paris", doc["service"].(map[string]any)["name"])
	attachments := doc["attachments"].([]any)
	require.Len(t, attachments, 1)
	assert.Equal(t, "inventaire manuscrit", attachments[0].(map[string]any)["text"])

	doc, ok = engine.Doc("content", f.component.StableID)
	require.True(t, ok)
	entries := doc["index_entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, f.authority.ID.String(), entries[0].(map[string]any)["authority"])

	doc, ok = engine.Doc("suggest", f.authority.ID.String())
	require.True(t, ok)
	assert.Equal(t, "AgentAuthority", doc["etype"])
	assert.Equal(t, "victor hugo", doc["normalized"])
	assert.Equal(t, "V", doc["letter"])
	assert.EqualValues(t, 1, doc["count"])
	assert.EqualValues(t, 1, doc["count_component"])
	assert.EqualValues(t, 0, doc["count_findingaid"])
	assert.Equal(t, false, doc["grouped"])

	doc, ok = engine.Doc("persons", f.person.StableID)
	require.True(t, ok)
	assert.Equal(t, "Jean Valjean", doc["fullname"])
}

func TestUpsertProjectsAttachmentThroughFindingAid(t *testing.T) {
	ctx := context.Background()
	_, engine, sync, f := setup(t)

	report, err := sync.Upsert(ctx, []database.EntityRef{{Type: database.EntityAttachment, ID: f.attachment.ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)

	assert.Equal(t, []string{f.findingAid.StableID}, engine.IDs("content"))
}

func TestUpsertDeletesDocumentsOfMissingEntities(t *testing.T) {
	ctx := context.Background()
	store, engine, sync, f := setup(t)

	_, err := sync.Upsert(ctx, f.refs())
	require.NoError(t, err)

	db := store.DB().WithContext(ctx)
	require.NoError(t, db.Delete(&database.IndexEntry{}, "id = ?", f.entry.ID).Error)
	require.NoError(t, db.Delete(&database.FAComponent{}, "id = ?", f.component.ID).Error)

	report, err := sync.Upsert(ctx, []database.EntityRef{
		{Type: database.EntityComponent, ID: f.component.ID},
		{Type: database.EntityAuthority, ID: f.authority.ID},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Deleted)
	assert.Equal(t, 1, report.Indexed)

	_, ok := engine.Doc("content", f.component.StableID)
	assert.False(t, ok)
	doc, ok := engine.Doc("suggest", f.authority.ID.String())
	require.True(t, ok)
	assert.EqualValues(t, 0, doc["count"])
}

func TestUpsertContinuesPastRejectedDocuments(t *testing.T) {
	ctx := context.Background()
	_, engine, sync, f := setup(t)
	engine.Reject(f.component.StableID, "mapper_parsing_exception")

	report, err := sync.Upsert(ctx, f.refs())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Indexed)
	require.Equal(t, 1, report.Failed())
	assert.Equal(t, search.ItemError{Index: "content", ID: f.component.StableID, Reason: "mapper_parsing_exception"}, report.Errors[0])
}

func TestUpsertReportsUnreachableEngine(t *testing.T) {
	ctx := context.Background()
	_, engine, sync, f := setup(t)
	engine.Down = true

	report, err := sync.Upsert(ctx, f.refs())
	require.NoError(t, err)
	assert.Zero(t, report.Indexed)
	assert.Equal(t, 4, report.Failed())
}

func TestUpsertReportsFailedDeletionOfMissingEntity(t *testing.T) {
	ctx := context.Background()
	_, engine, sync, f := setup(t)
	engine.Down = true

	gone := uuid.New()
	refs := append(f.refs(), database.EntityRef{Type: database.EntityComponent, ID: gone})

	report, err := sync.Upsert(ctx, refs)
	require.NoError(t, err)
	assert.Zero(t, report.Indexed)
	assert.Zero(t, report.Deleted)
	assert.Equal(t, 4+len(search.Families()), report.Failed())

	var indexes []string
	for _, e := range report.Errors {
		if e.ID == gone.String() {
			indexes = append(indexes, e.Index)
		}
	}
	assert.ElementsMatch(t, []string{sync.Index(search.Content), sync.Index(search.Suggest), sync.Index(search.Person)}, indexes)
}

func TestUpsertRejectsUnknownEntityType(t *testing.T) {
	_, _, sync, _ := setup(t)

	_, err := sync.Upsert(context.Background(), []database.EntityRef{{Type: "Bogus", ID: uuid.New()}})
	assert.ErrorIs(t, err, database.ErrUnsupportedEntity)
}

func TestDeleteByEntityIDsRestrictsFamilies(t *testing.T) {
	ctx := context.Background()
	_, engine, sync, f := setup(t)

	_, err := sync.Upsert(ctx, f.refs())
	require.NoError(t, err)

	n, err := sync.DeleteByEntityIDs(ctx, []uuid.UUID{f.findingAid.ID, f.authority.ID}, search.Suggest)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, ok := engine.Doc("content", f.findingAid.StableID)
	assert.True(t, ok)
	_, ok = engine.Doc("suggest", f.authority.ID.String())
	assert.False(t, ok)

	n, err = sync.DeleteByEntityIDs(ctx, []uuid.UUID{f.findingAid.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
