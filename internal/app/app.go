package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"flowchat/internal/api"
	"flowchat/internal/config"
	"flowchat/internal/database"
	"flowchat/internal/llm"
	"flowchat/internal/persist"
	"flowchat/internal/repository"
	"flowchat/internal/service"
	"flowchat/internal/store"
	"flowchat/internal/stream"
)

const shutdownTimeout = 10 * time.Second

// App holds every long-lived component. The HTTP server and the terminal
// client both build one.
type App struct {
	Config       *config.Config
	Repo         *repository.StateRepository
	Store        *store.ConversationStore
	Persister    *persist.Writer
	Provider     llm.CompletionProvider
	ChatService  *service.ChatService
	ModelService *service.ModelService
	Server       *http.Server
}

// Run is the entry point of the server binary. It returns the process exit code.
func Run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		// slog is not yet configured, so use the default logger for this critical error.
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	SetupLogger(cfg.LogLevel)
	logConfigSource()

	app, err := NewApp(cfg)
	if err != nil {
		slog.Error("Failed to initialize application", "error", err)
		return 1
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Error("Failed to close application", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Serve(ctx); err != nil {
		slog.Error("Server failed", "error", err)
		return 1
	}
	return 0
}

// NewApp opens storage, restores the saved state and wires the services.
func NewApp(cfg *config.Config) (*App, error) {
	kv, err := openKV(cfg)
	if err != nil {
		return nil, err
	}
	repo := repository.NewStateRepository(kv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := repo.Load(ctx)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("failed to load saved state: %w", err)
	}

	convStore := store.New(store.Options{Model: cfg.DefaultModel, TitleLength: cfg.TitleLength})
	convStore.Restore(state)
	slog.Info("Restored saved state", "conversations", len(state.Conversations), "model", convStore.Model())

	persister := persist.NewWriter(convStore, repo)

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.RequestTimeout,
			IdleConnTimeout:       90 * time.Second,
		},
	}
	provider := llm.NewOpenAIProvider(cfg.CompletionsURL, cfg.APIKey, httpClient)

	chatService := service.NewChatService(convStore, provider, service.ChatOptions{
		SystemPrompt: cfg.SystemPrompt,
		Stream:       cfg.StreamResponses,
		Scheduler:    stream.FrameScheduler{Interval: cfg.FrameInterval},
	})
	modelService := service.NewModelService(convStore, provider, service.Catalog(cfg.Models))

	chatHandler := api.NewChatHandler(chatService)
	modelHandler := api.NewModelHandler(modelService)
	router := api.NewRouter(chatHandler, modelHandler, cfg.RequestTimeout)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AppPort),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		WriteTimeout:      0, // Disabled for streaming endpoints
		IdleTimeout:       120 * time.Second,
	}

	return &App{
		Config:       cfg,
		Repo:         repo,
		Store:        convStore,
		Persister:    persister,
		Provider:     provider,
		ChatService:  chatService,
		ModelService: modelService,
		Server:       server,
	}, nil
}

// Serve runs the HTTP server and the persistence loop until ctx is done or
// the server fails.
func (a *App) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting server", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.Persister.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server")
		// A streaming reply would otherwise hold Shutdown until it finishes.
		a.ChatService.Abort()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		a.logProviderStatus(gctx)
		return nil
	})

	return g.Wait()
}

// Close writes pending state and releases storage.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	flushErr := a.Persister.Flush(ctx)
	if flushErr != nil {
		slog.Error("Failed to persist state on shutdown", "error", flushErr)
	}
	return errors.Join(flushErr, a.Repo.Close())
}

func openKV(cfg *config.Config) (repository.KV, error) {
	switch cfg.StorageBackend {
	case config.BackendSQLite, "":
		db, err := database.InitDB(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		slog.Info("Successfully connected to SQLite database.", "path", cfg.DatabasePath)
		return repository.NewSQLiteKV(db), nil
	case config.BackendBolt:
		kv, err := repository.NewBoltKV(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		slog.Info("Opened Bolt database.", "path", cfg.BoltPath)
		return kv, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		slog.Info("Successfully connected to Redis.", "addr", cfg.RedisAddr)
		return repository.NewRedisKV(rdb, cfg.RedisPrefix), nil
	case config.BackendMemory:
		slog.Warn("Using in-memory storage; conversations are lost on restart.")
		return repository.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// logProviderStatus checks once whether the completions service answers, so
// a bad URL or key shows up in the log before the first message is sent.
func (a *App) logProviderStatus(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	models, err := a.Provider.ListModels(ctx)
	if err != nil {
		slog.Warn("Completions service is not reachable yet", "url", a.Config.CompletionsURL, "error", err)
		return
	}
	slog.Info("Completions service is ready.", "url", a.Config.CompletionsURL, "models", len(models))
}

func logConfigSource() {
	configFileUsed := viper.ConfigFileUsed()
	if configFileUsed != "" {
		slog.Info("Successfully loaded configuration from file.", "file", configFileUsed)
	} else {
		slog.Info("Configuration file not found. Using environment variables and defaults.")
	}
}

// SetupLogger installs a JSON slog logger on stdout at the given level as the default.
func SetupLogger(logLevel string) {
	SetupLoggerTo(os.Stdout, logLevel)
}

// SetupLoggerTo is SetupLogger with a chosen destination. The terminal client
// logs to stderr so replies stay readable.
func SetupLoggerTo(w io.Writer, logLevel string) {
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
