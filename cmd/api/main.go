package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"botforge/api/internal/app"
	"botforge/api/internal/auth"
	"botforge/api/internal/cache"
	"botforge/api/internal/config"
	"botforge/api/internal/export"
	"botforge/api/internal/gitrepo"
	"botforge/api/internal/logging"
	"botforge/api/internal/search"
	"botforge/api/internal/store"
	"botforge/api/internal/versioning"
)

func main() {
	cliApp := &cli.App{
		Name:  "botforge-api",
		Usage: "versioned bot model service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "botforge.toml",
				EnvVars: []string{"BOTFORGE_CONFIG"},
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			logging.Setup(cfg.LogLevel, cfg.LogFormat)
			c.App.Metadata = map[string]any{"config": cfg}
			return nil
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Apply pending database migrations and exit",
				Action: migrate,
			},
			{
				Name:  "reconcile",
				Usage: "Repair leftovers of interrupted merges and branch deletions",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "bot", Usage: "limit the pass to one bot `ID`"},
					&cli.BoolFlag{Name: "dry-run", Usage: "report without changing anything"},
				},
				Action: reconcile,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadedConfig(c *cli.Context) config.Config {
	cfg, _ := c.App.Metadata["config"].(config.Config)
	return cfg
}

// backend bundles the store and the handles that need closing on exit.
type backend struct {
	store store.Store
	db    *sql.DB
	cache cache.StateCache
	close []func() error
}

func (b *backend) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		if err := b.close[i](); err != nil {
			log.Warn().Err(err).Msg("shutdown: close resource")
		}
	}
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{}
	switch cfg.StoreDriver {
	case "memory":
		log.Warn().Msg("using in-memory store; data is lost on exit")
		b.store = store.NewMemoryStore()
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		b.close = append(b.close, db.Close)
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		b.db = db
		b.store = store.NewPostgresStore(db)
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedis(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		log.Info().Msg("using redis for the hydration cache")
		b.cache = redisCache
		b.close = append(b.close, redisCache.Close)
	} else {
		b.cache = cache.NewMemory(cfg.CacheEntries)
	}
	return b, nil
}

func newEngine(cfg config.Config, b *backend) *versioning.Engine {
	return versioning.NewEngine(b.store, versioning.Options{
		Cache:           b.cache,
		CheckpointEvery: cfg.CheckpointEvery,
		MaxChainDepth:   cfg.MaxChainDepth,
	})
}

func serve(c *cli.Context) error {
	cfg := loadedConfig(c)
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	engine := newEngine(cfg, b)

	var pgfts *search.PgFTS
	if b.db != nil {
		pgfts = search.NewPgFTS(b.db)
	}
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	go searchService.ReindexAllFromPG(ctx)

	var publisher export.Publisher
	if cfg.MinioConfigured() {
		minioPublisher, err := export.NewMinioPublisher(ctx, export.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			URLTTL:    cfg.ExportURLTTL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("object storage unavailable; export publishing disabled")
		} else {
			publisher = minioPublisher
		}
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("failed to create repos dir: %w", err)
	}

	service := app.New(cfg, engine, auth.NewIssuer(cfg.TokenSecret, cfg.AccessTTL), app.Collaborators{
		Search:  searchService,
		Exports: export.NewService(engine, publisher),
		Mirror:  gitrepo.New(cfg.ReposDir),
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreDriver).Msg("botforge API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		return nil
	})
	return g.Wait()
}

func migrate(c *cli.Context) error {
	cfg := loadedConfig(c)
	if cfg.StoreDriver == "memory" {
		return errors.New("migrate requires store_driver postgres")
	}
	db, err := store.Open(c.Context, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	if err := store.ApplyMigrations(c.Context, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.Info().Str("dir", cfg.MigrationsDir).Msg("migrations applied")
	return nil
}

func reconcile(c *cli.Context) error {
	cfg := loadedConfig(c)
	b, err := openBackend(c.Context, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	report, err := newEngine(cfg, b).Reconcile(c.Context, versioning.ReconcileOptions{
		BotID:  c.String("bot"),
		DryRun: c.Bool("dry-run"),
		Grace:  cfg.ReconcileGrace,
	})
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	log.Info().
		Bool("dry_run", report.DryRun).
		Int("bots", report.Bots).
		Int("deleted_source_branches", len(report.DeletedSourceBranches)).
		Int("repointed_branches", len(report.RepointedBranches)).
		Int("deleted_commits", len(report.DeletedCommits)).
		Int("violations", len(report.Violations)).
		Msg("reconcile finished")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
