package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomworks/loom/backend/internal/queue"
	mid "github.com/loomworks/loom/backend/internal/server/middleware"
	"github.com/loomworks/loom/backend/internal/storage"
	"github.com/loomworks/loom/backend/internal/util"
	"github.com/loomworks/loom/backend/pkg/agent"
	aiollama "github.com/loomworks/loom/backend/pkg/agent/ollama"
	aiopenai "github.com/loomworks/loom/backend/pkg/agent/openai"
	"github.com/loomworks/loom/backend/pkg/canvas"
	"github.com/loomworks/loom/backend/pkg/leaselock"
	"github.com/loomworks/loom/backend/pkg/logger"
	"github.com/loomworks/loom/backend/pkg/pipeline"
	graphstore "github.com/loomworks/loom/backend/pkg/store/pgx"
	"github.com/loomworks/loom/backend/pkg/syncer"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

func Init() {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	jwksUrl := util.GetEnv("AUTH_URL") + "/jwks"
	k, err := keyfunc.NewDefault([]string{jwksUrl})
	if err != nil {
		logger.Fatal("Failed to load jwks keys", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	databaseURL := util.GetEnv("DATABASE_URL")

	m, err := migrate.New("file://"+util.GetEnvString("MIGRATIONS_PATH", "migrations"), databaseURL)
	if err != nil {
		logger.Fatal("Failed to prepare migrations", "err", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Failed to run migrations", "err", err)
	}

	pgConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatal("Invalid database URL", "err", err)
	}
	pgConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	conn, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()

	que := queue.Init()
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}

	if err := queue.SetupQueues(ch, queue.QueueNames); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	s3 := storage.NewS3Client(ctx)

	store := graphstore.New(conn, graphstore.WithEmbedder(newEmbedder()))

	hub := syncer.NewHub(util.GetEnvInt("STREAM_QUEUE_SIZE", 32))
	bridge, err := syncer.NewBridge(hub, ch)
	if err != nil {
		logger.Fatal("Failed to create sync bridge", "err", err)
	}

	registry := canvas.NewRegistry()
	go flushLoop(ctx, registry, store)

	// A remote update means another process already committed durable
	// changes this process's live canvas has not seen. Reload it before
	// the update fans out so resyncs serve fresh state.
	bridge.OnRemote(func(u syncer.Update) {
		cv, ok := registry.Peek(u.WorkspaceID, u.RootID)
		if !ok {
			return
		}
		reloadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := cv.Rehydrate(reloadCtx, store); err != nil {
			logger.Warn("Reload after remote update failed", "workspace_id", u.WorkspaceID, "root_id", u.RootID, "err", err)
		}
	})
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Sync bridge stopped", "err", err)
		}
	}()

	app := &mid.App{
		DBConn:         conn,
		Queue:          ch,
		Key:            &k,
		S3:             s3,
		Store:          store,
		Canvases:       registry,
		Hub:            hub,
		Bridge:         bridge,
		Pipeline:       pipeline.New(store, store, bridge, util.GetEnvInt("PIPELINE_PARALLEL", 4)),
		Locks:          leaselock.New(conn),
		MasterAPIKey:   util.GetEnv("MASTER_API_KEY"),
		MasterUserID:   util.GetEnv("MASTER_USER_ID"),
		MasterUserRole: util.GetEnv("MASTER_USER_ROLE"),
	}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64M"))

	RegisterRoutes(e)

	go func() {
		port := util.GetEnv("PORT")
		if port == "" {
			port = "8080"
		}
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}

// newEmbedder picks the embedding backend from AI_ADAPTER. The server
// only embeds similarity queries; batch proposals run in the worker.
func newEmbedder() agent.Embedder {
	switch util.GetEnv("AI_ADAPTER") {
	case "ollama":
		client, err := aiollama.New(aiollama.Params{
			EmbeddingModel:        util.GetEnv("AI_EMBED_MODEL"),
			BaseURL:               util.GetEnv("AI_BASE_URL"),
			MaxConcurrentRequests: int64(util.GetEnvInt("AI_MAX_CONCURRENT", 2)),
		})
		if err != nil {
			logger.Fatal("Failed to create Ollama client", "err", err)
		}
		return client
	default:
		return aiopenai.New(aiopenai.Params{
			EmbeddingModel:    util.GetEnv("AI_EMBED_MODEL"),
			BaseURL:           util.GetEnv("AI_BASE_URL"),
			APIKey:            util.GetEnv("AI_API_KEY"),
			RequestsPerMinute: util.GetEnvInt("AI_REQUESTS_PER_MINUTE", 0),
		})
	}
}

// flushLoop periodically persists dirty canvases and evicts clean ones
// nobody holds. Edits already flush inline; this catches the ones whose
// inline flush failed.
func flushLoop(ctx context.Context, registry *canvas.Registry, store *graphstore.GraphDBStore) {
	interval := time.Duration(util.GetEnvInt("FLUSH_INTERVAL_SECONDS", 15)) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.ForEach(func(cv *canvas.Canvas) {
				if !cv.Dirty() {
					return
				}
				if err := cv.Flush(ctx, store); err != nil {
					logger.Warn("Background flush failed", "workspace_id", cv.WorkspaceID, "root_id", cv.RootID, "err", err)
				}
			})
			registry.Sweep()
		}
	}
}
