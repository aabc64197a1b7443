// Command authd runs the PlanWeave authentication core: OAuth login,
// durable sessions with background token rotation, and session maintenance.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/planweave/planweave-auth/internal/authclient"
	"github.com/planweave/planweave-auth/internal/config"
	"github.com/planweave/planweave-auth/internal/migrate"
	"github.com/planweave/planweave-auth/internal/repository/postgres"
	"github.com/planweave/planweave-auth/internal/securestore"
	"github.com/planweave/planweave-auth/internal/session"
	"github.com/planweave/planweave-auth/internal/state"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations, and wires the auth state
// machine together with its maintenance loop.
func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("load config", zap.Error(err))
	}

	logger := newLogger(cfg.Logging.Level)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.Bool("oauth", cfg.OAuth.Enabled),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	repo := postgres.NewSessionRepo(db)

	if err := securestore.EnsureDir(cfg.Store.Path); err != nil {
		logger.Fatal("prepare token store dir", zap.Error(err))
	}
	store, err := securestore.NewFileStore(cfg.Store.Path, []byte(cfg.Store.Secret))
	if err != nil {
		logger.Fatal("open token store", zap.Error(err))
	}

	client := authclient.NewOAuthClient(authclient.Config{
		Google: authclient.ProviderCredentials{
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
			RedirectURL:  cfg.OAuth.Google.RedirectURL,
		},
		Apple: authclient.ProviderCredentials{
			ClientID:     cfg.OAuth.Apple.ClientID,
			ClientSecret: cfg.OAuth.Apple.ClientSecret,
			RedirectURL:  cfg.OAuth.Apple.RedirectURL,
		},
		Timeout: cfg.OAuthTimeout(),
	}, store, logger)

	sessions := session.NewManager(repo, logger,
		session.WithRefreshThreshold(cfg.RefreshThreshold()),
		session.WithIntervals(cfg.CheckInterval(), cfg.ExpiredRetry()),
		session.WithRetention(cfg.Retention()),
	)

	manager := state.NewManager(client, store, sessions, state.Config{
		OAuthEnabled:     cfg.OAuth.Enabled,
		RefreshThreshold: cfg.RefreshThreshold(),
		Device:           deviceInfo(cfg),
	}, logger)
	defer manager.Dispose()

	if err := manager.Initialize(ctx); err != nil {
		logger.Warn("initialize", zap.Error(err))
	}
	logger.Info("auth state", zap.String("state", manager.State().Kind.String()))

	go maintenanceLoop(ctx, sessions, cfg.CleanupInterval(), logger)

	<-ctx.Done()
	logger.Info("shutdown complete")
}

// maintenanceLoop periodically expires stale sessions and prunes the token
// blacklist.
func maintenanceLoop(ctx context.Context, sessions *session.Manager, interval time.Duration, log *zap.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := sessions.CleanupOldSessions(ctx); err != nil {
				log.Warn("session cleanup", zap.Error(err))
			} else if n > 0 {
				log.Info("sessions cleaned", zap.Int("count", n))
			}
			if n, err := sessions.CleanupExpiredBlacklist(ctx); err != nil {
				log.Warn("blacklist cleanup", zap.Error(err))
			} else if n > 0 {
				log.Info("blacklist pruned", zap.Int("count", n))
			}
		}
	}
}

func deviceInfo(cfg *config.Config) state.DeviceInfo {
	id := cfg.Device.ID
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		id = host
	}
	return state.DeviceInfo{
		ID:        id,
		Name:      cfg.Device.Name,
		UserAgent: cfg.Device.UserAgent,
	}
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	c := zap.NewProductionConfig()
	c.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := c.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
