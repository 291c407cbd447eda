package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/iziplay/findingaids/pkg/authority"
	"github.com/iziplay/findingaids/pkg/database"
	"github.com/iziplay/findingaids/pkg/importer"
	"github.com/iziplay/findingaids/pkg/maintenance"
	"github.com/iziplay/findingaids/pkg/search"
	"golang.org/x/sync/singleflight"
)

// Deps are the services behind the API.
type Deps struct {
	Store        *database.Store
	Reconciler   *authority.Reconciler
	Coordinator  *importer.Coordinator
	Maintenance  *maintenance.Service
	Synchronizer *search.Synchronizer
	JWTSecret    string
	Logger       *slog.Logger
}

type PlainOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

type Statistics struct {
	Store   *database.Statistics `json:"store"`
	Indexes map[string]int64     `json:"indexes,omitempty"`
}

type StatsOutput struct {
	Body Statistics
}

type ImportProgressOutput struct {
	Body importer.ProgressSnapshot
}

type LastImportInput struct {
	Complete bool `query:"complete" default:"false" doc:"Only consider complete runs"`
}

type ImportRunOutput struct {
	Body database.ImportRun
}

type AuthorityInput struct {
	ID string `path:"id" doc:"Authority id"`
}

type AuthorityDetails struct {
	database.Authority
	References database.References `json:"references"`
	SameAs     []database.SameAs   `json:"sameAs"`
}

type AuthorityOutput struct {
	Body AuthorityDetails
}

type SearchAuthoritiesInput struct {
	Label  string `query:"label" doc:"Filter by label (case-insensitive)"`
	Kind   string `query:"kind" enum:"agent,location,subject" doc:"Filter by kind"`
	Limit  int    `query:"limit" default:"20" minimum:"1" maximum:"100" doc:"Maximum number of results"`
	Offset int    `query:"offset" default:"0" minimum:"0" doc:"Offset for pagination"`
}

type SearchAuthoritiesOutput struct {
	Body struct {
		Total   int64                `json:"total"`
		Results []database.Authority `json:"results"`
	}
}

type OrphansInput struct {
	Kind string `query:"kind" required:"true" enum:"agent,location,subject" doc:"Authority kind"`
}

type OrphansOutput struct {
	Body struct {
		Kind    string      `json:"kind"`
		Orphans []uuid.UUID `json:"orphans"`
	}
}

type GroupInput struct {
	ID   string `path:"id" doc:"Authority id"`
	Body struct {
		Target string `json:"target" doc:"Id of the authority denoting the same entity"`
	}
}

type ReindexInput struct {
	ID string `path:"id" doc:"Entity id or stable id"`
}

type ReindexOutput struct {
	Body search.Report
}

type server struct {
	Deps

	group       singleflight.Group
	stats       *expirable.LRU[string, *Statistics]
	authorities *expirable.LRU[uuid.UUID, AuthorityDetails]
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, huma.Error400BadRequest("invalid authority id", err)
	}
	return id, nil
}

// Setup registers the API operations.
func Setup(api huma.API, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &server{
		Deps:        deps,
		stats:       expirable.NewLRU[string, *Statistics](1, nil, 30*time.Second),
		authorities: expirable.NewLRU[uuid.UUID, AuthorityDetails](1024, nil, 5*time.Minute),
	}

	api.UseMiddleware(metricsMiddleware, authMiddleware(api, deps.JWTSecret))

	huma.Register(api, huma.Operation{
		OperationID: "HealthCheck",
		Method:      "GET",
		Path:        "/healthz",
		Summary:     "Health check",
		Description: "Check if the API and its store are up",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, input *struct{}) (*PlainOutput, error) {
		if err := s.Store.Ping(ctx); err != nil {
			return nil, huma.Error503ServiceUnavailable("store unreachable", err)
		}
		return &PlainOutput{
			ContentType: "text/plain",
			Body:        []byte("OK"),
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "GetStatistics",
		Method:      "GET",
		Path:        "/v1/statistics",
		Summary:     "Get statistics",
		Description: "Get statistics about the store and the search indexes",
		Tags:        []string{"Statistics"},
	}, func(ctx context.Context, input *struct{}) (*StatsOutput, error) {
		stats, err := s.statistics(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to compute statistics", err)
		}
		return &StatsOutput{Body: *stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "GetImportProgress",
		Method:      "GET",
		Path:        "/v1/statistics/import",
		Summary:     "Get import progress",
		Description: "Get the progress of the import in progress, if any",
		Tags:        []string{"Statistics"},
	}, func(ctx context.Context, input *struct{}) (*ImportProgressOutput, error) {
		return &ImportProgressOutput{Body: s.Coordinator.Progress().Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "GetLastImport",
		Method:      "GET",
		Path:        "/v1/imports/last",
		Summary:     "Get last import",
		Description: "Get the record of the most recent import run",
		Tags:        []string{"Imports"},
	}, func(ctx context.Context, input *LastImportInput) (*ImportRunOutput, error) {
		run, err := s.Store.LastImportRun(ctx, input.Complete)
		if errors.Is(err, database.ErrNotFound) {
			return nil, huma.Error404NotFound("no import run yet")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load last import", err)
		}
		return &ImportRunOutput{Body: *run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "SearchAuthorities",
		Method:      "GET",
		Path:        "/v1/authorities",
		Summary:     "Search authorities",
		Description: "Search authorities by label and kind",
		Tags:        []string{"Authorities"},
	}, func(ctx context.Context, input *SearchAuthoritiesInput) (*SearchAuthoritiesOutput, error) {
		results, total, err := s.Store.SearchAuthorities(ctx, input.Label, database.AuthorityKind(input.Kind), input.Limit, input.Offset)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to search authorities", err)
		}
		resp := &SearchAuthoritiesOutput{}
		resp.Body.Total = total
		resp.Body.Results = results
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ListOrphans",
		Method:      "GET",
		Path:        "/v1/authorities/orphans",
		Summary:     "List orphan authorities",
		Description: "List the authorities of a kind that nothing references",
		Tags:        []string{"Authorities"},
	}, func(ctx context.Context, input *OrphansInput) (*OrphansOutput, error) {
		kind, err := database.ParseAuthorityKind(input.Kind)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		ids, err := s.Maintenance.FindOrphans(ctx, kind)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list orphans", err)
		}
		resp := &OrphansOutput{}
		resp.Body.Kind = input.Kind
		resp.Body.Orphans = ids
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "GetAuthority",
		Method:      "GET",
		Path:        "/v1/authorities/{id}",
		Summary:     "Get authority",
		Description: "Get an authority with its references and external identifiers",
		Tags:        []string{"Authorities"},
	}, func(ctx context.Context, input *AuthorityInput) (*AuthorityOutput, error) {
		id, err := parseID(input.ID)
		if err != nil {
			return nil, err
		}
		details, err := s.authority(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			return nil, huma.Error404NotFound("authority not found")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load authority", err)
		}
		return &AuthorityOutput{Body: details}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "GroupAuthority",
		Method:      "POST",
		Path:        "/v1/authorities/{id}/group",
		Summary:     "Group authorities",
		Description: "Record that two authorities denote the same entity",
		Tags:        []string{"Authorities"},
		Security:    []map[string][]string{{"bearerAuth": {}}},
	}, func(ctx context.Context, input *GroupInput) (*AuthorityOutput, error) {
		from, err := parseID(input.ID)
		if err != nil {
			return nil, err
		}
		to, err := parseID(input.Body.Target)
		if err != nil {
			return nil, err
		}

		err = s.Reconciler.Group(ctx, from, to)
		if errors.Is(err, database.ErrNotFound) {
			return nil, huma.Error404NotFound("authority not found")
		}
		if err != nil {
			return nil, huma.Error400BadRequest("cannot group authorities", err)
		}
		s.authorities.Remove(from)
		s.authorities.Remove(to)

		if _, err := s.Coordinator.Reindex(ctx, []string{from.String(), to.String()}); err != nil {
			s.Logger.Warn("Cannot reindex grouped authorities", "error", err)
		}

		details, err := s.authority(ctx, from)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load authority", err)
		}
		return &AuthorityOutput{Body: details}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "Reindex",
		Method:      "POST",
		Path:        "/v1/reindex/{id}",
		Summary:     "Reindex an entity",
		Description: "Synchronize the search documents of an entity, or of a finding aid and everything it contains",
		Tags:        []string{"Search"},
		Security:    []map[string][]string{{"bearerAuth": {}}},
	}, func(ctx context.Context, input *ReindexInput) (*ReindexOutput, error) {
		report, err := s.Coordinator.Reindex(ctx, []string{input.ID})
		switch {
		case errors.Is(err, database.ErrNotFound):
			return nil, huma.Error404NotFound("entity not found")
		case errors.Is(err, importer.ErrUnavailable):
			return nil, huma.Error503ServiceUnavailable("search engine unreachable", err)
		case err != nil:
			return nil, huma.Error500InternalServerError("failed to reindex", err)
		}
		return &ReindexOutput{Body: *report}, nil
	})
}

// statistics computes the statistics once for concurrent callers and keeps
// them for a short while.
func (s *server) statistics(ctx context.Context) (*Statistics, error) {
	if stats, ok := s.stats.Get("stats"); ok {
		return stats, nil
	}

	v, err, _ := s.group.Do("stats", func() (any, error) {
		stored, err := s.Store.Statistics(ctx)
		if err != nil {
			return nil, err
		}
		stats := &Statistics{Store: stored}

		if s.Synchronizer != nil {
			counts, err := s.Synchronizer.Counts(ctx)
			if err != nil {
				s.Logger.Warn("Cannot count index documents", "error", err)
			} else {
				stats.Indexes = make(map[string]int64, len(counts))
				for family, n := range counts {
					stats.Indexes[string(family)] = n
				}
			}
		}

		s.stats.Add("stats", stats)
		return stats, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Statistics), nil
}

func (s *server) authority(ctx context.Context, id uuid.UUID) (AuthorityDetails, error) {
	if details, ok := s.authorities.Get(id); ok {
		return details, nil
	}

	a, err := s.Store.Authority(ctx, id)
	if err != nil {
		return AuthorityDetails{}, err
	}
	refs, err := s.Store.References(ctx, []uuid.UUID{id})
	if err != nil {
		return AuthorityDetails{}, err
	}
	sameAs, err := s.Store.SameAsOf(ctx, id)
	if err != nil {
		return AuthorityDetails{}, err
	}

	details := AuthorityDetails{Authority: *a, References: refs[id], SameAs: sameAs}
	s.authorities.Add(id, details)
	return details, nil
}
