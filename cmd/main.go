package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	routing "github.com/iziplay/findingaids/pkg/api"
	"github.com/iziplay/findingaids/pkg/authority"
	"github.com/iziplay/findingaids/pkg/config"
	"github.com/iziplay/findingaids/pkg/database"
	"github.com/iziplay/findingaids/pkg/importer"
	"github.com/iziplay/findingaids/pkg/maintenance"
	"github.com/iziplay/findingaids/pkg/search"
	"github.com/iziplay/findingaids/pkg/source"
	"github.com/iziplay/findingaids/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const description = `Imports archival finding aids, person records and the service directory
into the relational store, reconciles their index terms into shared
authorities and keeps the search indexes in sync.`

// app holds the services shared by the commands.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	store       *database.Store
	sync        *search.Synchronizer
	coordinator *importer.Coordinator
	reconciler  *authority.Reconciler
	maintenance *maintenance.Service
	shutdown    func(context.Context) error
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	db, err := database.Open(cfg.Database, cfg.Import.Concurrency)
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db); err != nil {
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	shutdown, err := telemetry.Setup(ctx, db)
	if err != nil {
		return nil, err
	}

	if err := database.AutoMigrate(db); err != nil {
		return nil, err
	}

	engine, err := search.NewElastic(cfg.Search.Addresses)
	if err != nil {
		return nil, err
	}

	store := database.NewStore(db)
	sync := search.NewSynchronizer(engine, store, cfg.Search, logger)

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		sync:        sync,
		coordinator: importer.NewCoordinator(store, sync, logger),
		reconciler:  authority.NewReconciler(store, logger),
		maintenance: maintenance.New(store, sync, cfg.Import, logger),
		shutdown:    shutdown,
	}, nil
}

// action wraps a command so that it runs with the shared services. Setup
// failures exit with status 1.
func action(fn func(c *cli.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := setup(c.Context)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.shutdown(ctx); err != nil {
				a.logger.Warn("Failed to flush traces", "error", err)
			}
		}()
		return fn(c, a)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import documents from files and directories",
		ArgsUsage: "<paths...>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "concurrency", Aliases: []string{"c"}, Usage: "number of workers (default: configured concurrency)"},
			&cli.BoolFlag{Name: "dry-run", Usage: "process every document, persist nothing"},
			&cli.StringFlag{Name: "mode", Usage: "bulk or transactional (default: configured mode)"},
			&cli.StringFlag{Name: "service", Usage: "service code of every document"},
			&cli.BoolFlag{Name: "force", Usage: "import finding aids whose source did not change"},
			&cli.BoolFlag{Name: "no-index", Usage: "skip the search index synchronization"},
			&cli.BoolFlag{Name: "inline", Usage: "process documents sequentially on one connection"},
		},
		Action: action(func(c *cli.Context, a *app) error {
			if c.NArg() == 0 {
				return cli.Exit("import: at least one path is required", 2)
			}

			docs, err := source.Dir{Roots: c.Args().Slice(), Service: c.String("service")}.Documents()
			if err != nil {
				return cli.Exit(err, 1)
			}

			opts := importer.Options{
				Concurrency: a.cfg.Import.Concurrency,
				Mode:        database.Mode(a.cfg.Import.Mode),
				DryRun:      c.Bool("dry-run"),
				Force:       c.Bool("force"),
				NoIndex:     c.Bool("no-index"),
				Inline:      c.Bool("inline"),
			}
			if c.IsSet("concurrency") {
				opts.Concurrency = c.Int("concurrency")
			}
			if c.IsSet("mode") {
				opts.Mode = database.Mode(c.String("mode"))
			}

			summary, err := a.coordinator.Run(c.Context, docs, opts)
			if summary != nil {
				if perr := printJSON(summary); perr != nil {
					return perr
				}
			}
			if err != nil {
				return cli.Exit(err, 1)
			}
			return nil
		}),
	}
}

func reindexCommand() *cli.Command {
	return &cli.Command{
		Name:      "reindex",
		Usage:     "Synchronize the search documents of entities",
		ArgsUsage: "<entity-id|stable-id...>",
		Action: action(func(c *cli.Context, a *app) error {
			if c.NArg() == 0 {
				return cli.Exit("reindex: at least one id is required", 2)
			}
			report, err := a.coordinator.Reindex(c.Context, c.Args().Slice())
			if err != nil {
				return cli.Exit(err, 1)
			}
			return printJSON(report)
		}),
	}
}

func purgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge-orphans",
		Usage: "Delete authorities nothing references",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "types", Usage: "authority kinds (agent, location, subject), default all"},
			&cli.BoolFlag{Name: "dry-run", Usage: "only count the orphans"},
		},
		Action: action(func(c *cli.Context, a *app) error {
			var kinds []database.AuthorityKind
			for _, raw := range c.StringSlice("types") {
				for _, name := range strings.Split(raw, ",") {
					kind, err := database.ParseAuthorityKind(strings.TrimSpace(name))
					if err != nil {
						return cli.Exit(err, 2)
					}
					kinds = append(kinds, kind)
				}
			}

			report, err := a.maintenance.PurgeOrphans(c.Context, kinds, c.Bool("dry-run"))
			if err != nil {
				return cli.Exit(err, 1)
			}
			return printJSON(report)
		}),
	}
}

func groupCommand() *cli.Command {
	return &cli.Command{
		Name:      "group",
		Usage:     "Record that two authorities denote the same entity",
		ArgsUsage: "<authority-id> <target-id>",
		Action: action(func(c *cli.Context, a *app) error {
			if c.NArg() != 2 {
				return cli.Exit("group: expected an authority id and a target id", 2)
			}
			from, err := uuid.Parse(c.Args().Get(0))
			if err != nil {
				return cli.Exit(fmt.Errorf("invalid authority id: %w", err), 2)
			}
			to, err := uuid.Parse(c.Args().Get(1))
			if err != nil {
				return cli.Exit(fmt.Errorf("invalid target id: %w", err), 2)
			}

			if err := a.reconciler.Group(c.Context, from, to); err != nil {
				return cli.Exit(err, 1)
			}
			report, err := a.coordinator.Reindex(c.Context, []string{from.String(), to.String()})
			if err != nil {
				return cli.Exit(err, 1)
			}
			return printJSON(report)
		}),
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a finding aid and its search documents",
		ArgsUsage: "<stable-id>",
		Action: action(func(c *cli.Context, a *app) error {
			if c.NArg() != 1 {
				return cli.Exit("delete: expected one stable id", 2)
			}
			report, err := a.coordinator.Delete(c.Context, c.Args().First())
			if err != nil {
				return cli.Exit(err, 1)
			}
			return printJSON(report)
		}),
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Migrate the schema and create the search indexes",
		Action: action(func(c *cli.Context, a *app) error {
			if err := a.sync.EnsureIndexes(c.Context); err != nil {
				return cli.Exit(err, 1)
			}
			a.logger.Info("Schema and indexes are up to date")
			return nil
		}),
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API and run the periodic orphan purge",
		Action: action(func(c *cli.Context, a *app) error {
			router := chi.NewRouter()

			router.Use(cors.Handler(cors.Options{
				AllowedOrigins:   []string{"*"},
				AllowedMethods:   []string{"GET", "HEAD", "PUT", "PATCH", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Origin", "Authorization", "Content-Type"},
				ExposedHeaders:   []string{"Server"},
				AllowCredentials: false,
			}))
			router.Handle("/metrics", promhttp.Handler())

			apiConfig := huma.DefaultConfig("Finding Aids API", "1.0.0")
			apiConfig.OpenAPI.Info.Description = description
			apiConfig.OpenAPI.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
				"bearerAuth": {
					Type:         "http",
					Scheme:       "bearer",
					BearerFormat: "JWT",
				},
			}
			apiConfig.DocsPath = "/"
			apiConfig.Servers = []*huma.Server{
				{URL: a.cfg.API.PublicURL()},
			}
			api := humachi.New(router, apiConfig)

			routing.Setup(api, routing.Deps{
				Store:        a.store,
				Reconciler:   a.reconciler,
				Coordinator:  a.coordinator,
				Maintenance:  a.maintenance,
				Synchronizer: a.sync,
				JWTSecret:    a.cfg.API.JWTSecret,
				Logger:       a.logger,
			})

			server := &http.Server{
				Addr:    a.cfg.API.Addr(),
				Handler: otelhttp.NewHandler(router, "api"),
			}

			a.maintenance.Start(c.Context)
			defer a.maintenance.Stop()

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("Starting server", "addr", server.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return cli.Exit(fmt.Errorf("server failed: %w", err), 1)
				}
				return nil
			case <-c.Context.Done():
			}

			a.logger.Info("Shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		}),
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cliApp := &cli.App{
		Name:        "findingaids",
		Usage:       "Finding aid import pipeline",
		Description: description,
		Commands: []*cli.Command{
			importCommand(),
			reindexCommand(),
			purgeCommand(),
			groupCommand(),
			deleteCommand(),
			migrateCommand(),
			serveCommand(),
		},
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
