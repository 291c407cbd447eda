package routing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/iziplay/findingaids/pkg/authority"
	"github.com/iziplay/findingaids/pkg/config"
	"github.com/iziplay/findingaids/pkg/database"
	"github.com/iziplay/findingaids/pkg/database/databasetest"
	"github.com/iziplay/findingaids/pkg/importer"
	"github.com/iziplay/findingaids/pkg/maintenance"
	"github.com/iziplay/findingaids/pkg/search"
	"github.com/iziplay/findingaids/pkg/search/searchtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "s3cr3t"

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	api    humatest.TestAPI
	store  *database.Store
	engine *searchtest.Engine
	hugo   uuid.UUID
	victor uuid.UUID
}

// newFixture stores a finding aid indexed under "Hugo, Victor" and an
// unreferenced "Victor Hugo" authority.
func newFixture(t *testing.T, jwtSecret string) *fixture {
	t.Helper()
	ctx := context.Background()

	store := databasetest.NewStore(t)
	engine := searchtest.New()
	sync := search.NewSynchronizer(engine, store, config.SearchConfig{
		ContentIndex: "content", SuggestIndex: "suggest", PersonIndex: "persons", BatchSize: 100,
	}, logger)
	coord := importer.NewCoordinator(store, sync, logger)

	w, err := store.Begin(ctx)
	require.NoError(t, err)
	fa := &database.FindingAid{ID: database.StableUUID("FRAD075_ead1"), StableID: "FRAD075_ead1", EADID: "ead1", Title: "Correspondance"}
	hugo := &database.Authority{ID: uuid.New(), Kind: database.Agent, Label: "Hugo, Victor"}
	victor := &database.Authority{ID: uuid.New(), Kind: database.Agent, Label: "Victor Hugo"}
	entry := &database.IndexEntry{ID: database.StableUUID("FRAD075_ead1#0"), FindingAidID: fa.ID, AuthorityID: hugo.ID, Kind: database.Agent, Label: "Hugo, Victor"}
	for _, v := range []any{fa, hugo, victor, entry} {
		require.NoError(t, w.WriteEntity(ctx, v))
	}
	require.NoError(t, w.Commit(ctx))

	_, api := humatest.New(t)
	Setup(api, Deps{
		Store:        store,
		Reconciler:   authority.NewReconciler(store, logger),
		Coordinator:  coord,
		Maintenance:  maintenance.New(store, sync, config.ImportConfig{}, logger),
		Synchronizer: sync,
		JWTSecret:    jwtSecret,
		Logger:       logger,
	})

	return &fixture{api: api, store: store, engine: engine, hugo: hugo.ID, victor: victor.ID}
}

func token(t *testing.T, key string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "archivist",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(key))
	require.NoError(t, err)
	return "Authorization: Bearer " + signed
}

func decode(t *testing.T, body io.Reader, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(body).Decode(v))
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, secret)

	resp := f.api.Get("/healthz")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "OK", resp.Body.String())
}

func TestStatistics(t *testing.T) {
	f := newFixture(t, secret)

	resp := f.api.Get("/v1/statistics")
	require.Equal(t, http.StatusOK, resp.Code)

	var stats Statistics
	decode(t, resp.Body, &stats)
	require.NotNil(t, stats.Store)
	assert.Equal(t, 1, stats.Store.FindingAids)
	assert.Equal(t, int64(0), stats.Indexes["content"])

	resp = f.api.Get("/v1/statistics/import")
	require.Equal(t, http.StatusOK, resp.Code)
	var progress importer.ProgressSnapshot
	decode(t, resp.Body, &progress)
	assert.False(t, progress.IsRunning)
}

func TestLastImport(t *testing.T) {
	f := newFixture(t, secret)

	resp := f.api.Get("/v1/imports/last")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	run := &database.ImportRun{StartedAt: time.Now(), Mode: "bulk", Documents: 3}
	require.NoError(t, f.store.SaveImportRun(context.Background(), run))

	resp = f.api.Get("/v1/imports/last")
	require.Equal(t, http.StatusOK, resp.Code)
	var got database.ImportRun
	decode(t, resp.Body, &got)
	assert.Equal(t, run.ID, got.ID)

	resp = f.api.Get("/v1/imports/last?complete=true")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSearchAuthorities(t *testing.T) {
	f := newFixture(t, secret)

	resp := f.api.Get("/v1/authorities?label=HUGO&kind=agent")
	require.Equal(t, http.StatusOK, resp.Code)
	var out struct {
		Total   int64                `json:"total"`
		Results []database.Authority `json:"results"`
	}
	decode(t, resp.Body, &out)
	assert.Equal(t, int64(2), out.Total)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "Hugo, Victor", out.Results[0].Label)

	resp = f.api.Get("/v1/authorities?kind=colour")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestGetAuthority(t *testing.T) {
	f := newFixture(t, secret)

	resp := f.api.Get("/v1/authorities/" + f.hugo.String())
	require.Equal(t, http.StatusOK, resp.Code)
	var details AuthorityDetails
	decode(t, resp.Body, &details)
	assert.Equal(t, "Hugo, Victor", details.Label)
	assert.Equal(t, 1, details.References.FindingAids)

	resp = f.api.Get("/v1/authorities/" + uuid.NewString())
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = f.api.Get("/v1/authorities/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListOrphans(t *testing.T) {
	f := newFixture(t, secret)

	resp := f.api.Get("/v1/authorities/orphans?kind=agent")
	require.Equal(t, http.StatusOK, resp.Code)
	var out struct {
		Orphans []uuid.UUID `json:"orphans"`
	}
	decode(t, resp.Body, &out)
	assert.Equal(t, []uuid.UUID{f.victor}, out.Orphans)

	resp = f.api.Get("/v1/authorities/orphans")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestGroupAuthorities(t *testing.T) {
	f := newFixture(t, secret)
	path := "/v1/authorities/" + f.victor.String() + "/group"
	body := map[string]any{"target": f.hugo.String()}

	resp := f.api.Post(path, body)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = f.api.Post(path, token(t, "other"), body)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = f.api.Post(path, token(t, secret), body)
	require.Equal(t, http.StatusOK, resp.Code)
	var details AuthorityDetails
	decode(t, resp.Body, &details)
	assert.Equal(t, 1, details.References.Grouped)

	resp = f.api.Get("/v1/authorities/orphans?kind=agent")
	require.Equal(t, http.StatusOK, resp.Code)
	var out struct {
		Orphans []uuid.UUID `json:"orphans"`
	}
	decode(t, resp.Body, &out)
	assert.Empty(t, out.Orphans)

	for _, id := range []uuid.UUID{f.victor, f.hugo} {
		doc, ok := f.engine.Doc("suggest", id.String())
		require.True(t, ok)
		assert.Equal(t, true, doc["grouped"])
	}

	resp = f.api.Post("/v1/authorities/"+uuid.NewString()+"/group", token(t, secret), body)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestReindex(t *testing.T) {
	f := newFixture(t, secret)

	resp := f.api.Post("/v1/reindex/FRAD075_ead1", token(t, secret))
	require.Equal(t, http.StatusOK, resp.Code)
	var report search.Report
	decode(t, resp.Body, &report)
	assert.Equal(t, 2, report.Indexed)
	assert.Equal(t, []string{"FRAD075_ead1"}, f.engine.IDs("content"))

	resp = f.api.Post("/v1/reindex/FRAD075_unknown", token(t, secret))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestProtectedOperationsWithoutSecret(t *testing.T) {
	f := newFixture(t, "")

	resp := f.api.Post("/v1/reindex/FRAD075_ead1", token(t, secret))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = f.api.Get("/healthz")
	assert.Equal(t, http.StatusOK, resp.Code)
}
