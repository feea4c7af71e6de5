package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ajfrai/agent-queue/internal/agentcli"
	"github.com/ajfrai/agent-queue/internal/assessment"
	"github.com/ajfrai/agent-queue/internal/config"
	"github.com/ajfrai/agent-queue/internal/eventbus"
	"github.com/ajfrai/agent-queue/internal/health"
	"github.com/ajfrai/agent-queue/internal/heartbeat"
	"github.com/ajfrai/agent-queue/internal/llm"
	"github.com/ajfrai/agent-queue/internal/metrics"
	"github.com/ajfrai/agent-queue/internal/mgmt"
	"github.com/ajfrai/agent-queue/internal/ratelimit"
	"github.com/ajfrai/agent-queue/internal/scheduler"
	"github.com/ajfrai/agent-queue/internal/store"
	"github.com/ajfrai/agent-queue/internal/vcs"
	"github.com/ajfrai/agent-queue/pkg/tokenstore"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr()).
		Bool("github_enabled", cfg.GitHubEnabled()).
		Dur("heartbeat_interval", cfg.HeartbeatInterval()).
		Msg("starting agent-queue")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// --- Persistence ---
	for _, dir := range []string{filepath.Dir(cfg.DBPath), cfg.SessionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal().Err(err).Str("dir", dir).Msg("failed to create data directory")
		}
	}
	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	bus := eventbus.New(st, logger)

	// --- Metrics and health ---
	metricsCollector := metrics.New()
	checker := health.NewChecker(logger)
	checker.Register("store", func(ctx context.Context) health.Status {
		if err := st.DB().PingContext(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// --- Assessment provider ---
	providerOpts := []llm.AnthropicOption{llm.WithModel(cfg.AssessmentModel)}
	if cfg.AssessmentBaseURL != "" {
		providerOpts = append(providerOpts, llm.WithBaseURL(cfg.AssessmentBaseURL))
	}
	provider := llm.NewAnthropicProvider(cfg.AssessmentAPIKey, providerOpts...)
	assessor := assessment.New(provider, cfg.AssessmentModel)

	// --- VcsAdapter, with GitHub App PR creation if configured ---
	gitAdapter := vcs.New(expandHome(cfg.WorktreesDir), logger)
	if cfg.GitHubEnabled() {
		tokens := tokenstore.NewMemoryStore()
		prCreator, err := vcs.NewGitHubPRCreator(
			cfg.GitHubAppID, cfg.GitHubInstallationID, cfg.GitHubPrivateKeyPath, tokens, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to init GitHub App PR creator (non-fatal, CreatePR will fail per-call)")
		} else {
			gitAdapter = gitAdapter.WithGitHubPRCreator(prCreator)
			checker.Register("vcs", func(ctx context.Context) health.Status {
				return health.StatusOK
			})
			logger.Info().Msg("GitHub App PR creation enabled")
		}
	} else {
		logger.Info().Msg("GitHub App not configured — CreatePR will fail per-call")
	}

	// --- Scheduler, Heartbeat ---
	agents := agentcli.New(cfg.AgentCLIBin, logger)
	sched := scheduler.New(scheduler.Config{
		Store:       st,
		Bus:         bus,
		Assessor:    assessor,
		Agents:      agents,
		Git:         gitAdapter,
		Metrics:     metricsCollector,
		Logger:      logger,
		SessionsDir: cfg.SessionsDir,
		MaxRetries:  cfg.MaxTaskRetries,
	})

	if n, err := sched.ReconcileOrphanedSessions(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to reconcile orphaned sessions at startup")
	} else if n > 0 {
		logger.Warn().Int("count", n).Msg("reconciled orphaned sessions left over from a previous run")
	}

	probe := ratelimit.New(cfg.RateLimitCachePath, logger)
	hb := heartbeat.New(heartbeat.Config{
		Scheduler:       sched,
		Probe:           probe,
		Bus:             bus,
		Store:           st,
		Metrics:         metricsCollector,
		Logger:          logger,
		Interval:        cfg.HeartbeatInterval(),
		MaxConcurrent:   cfg.MaxConcurrentTasks,
		AssessBatchSize: cfg.AssessBatchSize,
	})

	if err := hb.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start heartbeat")
	}

	// --- Management API ---
	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.ListenAddr(),
		AuthConfig: mgmt.AuthConfig{
			Mode:   cfg.MgmtAuthMode,
			APIKey: cfg.MgmtAPIKey,
		},
		RateLimit: mgmt.RateLimitConfig{RPS: 50, Burst: 100},
	}, st, bus, sched, hb, checker, metricsCollector, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()
	hb.Stop()

	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close store")
	}

	logger.Info().Msg("agent-queue stopped")
}

// expandHome resolves a leading "~" to the user's home directory, since
// Config's WorktreesDir default ("~/agent-queue-worktrees") is meant to be
// a user path, not a literal tilde passed to git.
func expandHome(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
