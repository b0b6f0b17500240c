// Command seraph runs the autonomous log-triage and investigation agent:
// it ingests logs over HTTP, triages them with an LLM, schedules admitted
// alerts for investigation, and reports findings to Alertmanager and a
// Postgres-backed report store. Logging bootstrap and signal handling are
// grounded on cmd/demo/main.go and cmd/controller/main.go.
package main

import (
	"context"
	"flag"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seraph-dev/seraph/internal/agent"
	"github.com/seraph-dev/seraph/internal/alertsink"
	"github.com/seraph-dev/seraph/internal/cache"
	"github.com/seraph-dev/seraph/internal/config"
	"github.com/seraph-dev/seraph/internal/ingress"
	"github.com/seraph-dev/seraph/internal/logging"
	"github.com/seraph-dev/seraph/internal/metrics"
	"github.com/seraph-dev/seraph/internal/model"
	"github.com/seraph-dev/seraph/internal/priority"
	"github.com/seraph-dev/seraph/internal/reportstore"
	"github.com/seraph-dev/seraph/internal/scheduler"
	"github.com/seraph-dev/seraph/internal/toolregistry"
	"github.com/seraph-dev/seraph/internal/version"
	"github.com/seraph-dev/seraph/pkg/seraph"
)

func main() {
	var (
		configPath string
		logLevel   string
	)
	flag.StringVar(&configPath, "config", config.DefaultConfigPath, "path to the JSON config file")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	logger := logging.New(logLevel)
	log.Logger = logger

	logger.Info().
		Str("version", version.Version).
		Str("commit", version.GitCommit).
		Msg("=== Seraph Agent ===")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llmModel := model.New(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout, logger)

	responseCache := buildCache(cfg)
	defer responseCache.Close()

	servers := make([]toolregistry.ServerConfig, 0, len(cfg.MCPServers))
	for _, s := range cfg.MCPServers {
		servers = append(servers, toolregistry.ServerConfig{Name: s.Name, URL: s.URL})
	}
	tools := toolregistry.New(ctx, servers, logger)
	defer tools.Close()

	store, err := reportstore.New(ctx, cfg.ReportStore.DSN, cfg.ReportStore.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to report store")
	}
	defer store.Close()

	sink := alertsink.New(cfg.AlertManager.URL, cfg.AlertManager.Heartbeat, logger)
	defer sink.Close()

	go sink.StartHeartbeat(ctx)

	calculator := buildCalculator(cfg.PriorityQueue)

	mgr := agent.New(agent.Config{
		TriageWorkers:        cfg.Workers.Triage,
		InvestigationWorkers: cfg.Workers.Investigation,
		RecentLogsCapacity:   recentLogsCapacity(cfg.RecentLogsMaxSizeMb),
		PreFilters:           cfg.PreFilters,
		Scheduler: scheduler.Config{
			MaxQueueSize:            cfg.PriorityQueue.MaxSize,
			AgingInterval:           cfg.PriorityQueue.AgingInterval,
			BurstThreshold:          cfg.PriorityQueue.BurstThreshold,
			BurstWindow:             cfg.PriorityQueue.BurstWindow,
			BurstMaxDuration:        cfg.PriorityQueue.BurstMaxDuration,
			BurstActivationPriority: cfg.PriorityQueue.BurstActivationPriority,
			BurstConcurrency:        cfg.PriorityQueue.BurstConcurrency,
			DedupWindow:             cfg.PriorityQueue.DedupWindow,
			MaxConcurrency:          cfg.Workers.Investigation,
			PreemptionEnabled:       cfg.PriorityQueue.PreemptionEnabled,
			PreemptionThreshold:     cfg.PriorityQueue.PreemptionThreshold,
			Calculator:              calculator,
		},
	}, agent.Deps{
		Model:      llmModel,
		Tools:      tools,
		Cache:      responseCache,
		Store:      store,
		Sink:       sink,
		Metrics:    m,
		Calculator: calculator,
	}, logger)

	go mgr.Run(ctx)

	seedStartupPrompts(mgr, cfg.StartupPrompts)

	logsIn := make(chan seraph.LogRecord, 256)
	go pumpLogs(ctx, mgr, logsIn, logger)

	ingressSrv := ingress.NewServer(ingress.Config{
		APIKey:     cfg.APIKey,
		Addr:       ":" + strconv.Itoa(cfg.Port),
		SocketPath: config.DefaultSocketPath,
		Version:    version.Version,
	}, logsIn, mgr, mgr.Chat, store, m.Handler(), logger)

	if err := ingressSrv.Runnable()(ctx); err != nil {
		logger.Error().Err(err).Msg("ingress server exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := store.HealthCheck(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("report store unreachable during shutdown")
	}

	logger.Info().Msg("seraph agent exiting")
}

// pumpLogs bridges the channel the Ingress HTTP handlers write to onto the
// Manager's IngestLog call, so Ingress only needs a channel and Manager
// only needs a method.
func pumpLogs(ctx context.Context, mgr *agent.Manager, in <-chan seraph.LogRecord, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-in:
			if !mgr.IngestLog(rec) {
				logger.Warn().Str("recordId", rec.ID).Msg("triage pipeline saturated, dropping log record")
			}
		}
	}
}

// seedStartupPrompts feeds each configured startup prompt into IngestLog as
// a log record at boot. The prompts go through triage like any other log
// and become alerts only if triage classifies them as such; they are not
// injected into the Scheduler directly.
func seedStartupPrompts(mgr *agent.Manager, prompts []string) {
	for _, p := range prompts {
		mgr.IngestLog(seraph.LogRecord{
			ID:        uuid.NewString(),
			Source:    "startup-prompt",
			Message:   p,
			Timestamp: time.Now(),
		})
	}
}

// buildCalculator adapts the operator-facing PriorityQueueConfig into the
// PriorityCalculator it configures (spec §4.5), falling back to
// priority.DefaultCalculator's values for anything left zero.
func buildCalculator(cfg config.PriorityQueueConfig) *priority.Calculator {
	calc := priority.DefaultCalculator()

	if w := cfg.PriorityWeights; w.Keyword != 0 || w.Service != 0 || w.Time != 0 || w.Historical != 0 {
		calc.Weights = priority.Weights{
			Keyword:    w.Keyword,
			Service:    w.Service,
			Time:       w.Time,
			Historical: w.Historical,
		}
	}

	if len(cfg.CriticalKeywords) > 0 || len(cfg.HighKeywords) > 0 || len(cfg.MediumKeywords) > 0 || len(cfg.LowKeywords) > 0 {
		calc.Keywords = priority.KeywordPatterns{
			Critical: cfg.CriticalKeywords,
			High:     cfg.HighKeywords,
			Medium:   cfg.MediumKeywords,
			Low:      cfg.LowKeywords,
		}
	}

	if len(cfg.Services) > 0 {
		services := make(map[string]priority.ServiceProfile, len(cfg.Services))
		for name, s := range cfg.Services {
			services[name] = priority.ServiceProfile{
				Criticality:    s.Criticality,
				BusinessImpact: s.BusinessImpact,
				UserCount:      s.UserCount,
			}
		}
		calc.Services = services
	}

	if bh := cfg.BusinessHours; bh.EndHour != 0 {
		calc.BusinessHours = priority.BusinessHours{
			StartHour: bh.StartHour,
			EndHour:   bh.EndHour,
			PeakHours: bh.PeakHours,
		}
	}

	return calc
}

func buildCache(cfg *config.Config) cache.Cache {
	if !cfg.LLMCache.Enabled {
		return cache.NewNoop()
	}
	return cache.NewRedisCache(cfg.LLMCache.Redis.Addr, cfg.LLMCache.Redis.Password, cfg.LLMCache.Redis.DB, cfg.LLMCache.SimilarityThreshold)
}

func recentLogsCapacity(maxSizeMb int) int {
	// Rough sizing: assume ~1KiB per LogRecord on average.
	if maxSizeMb <= 0 {
		return 500
	}
	return maxSizeMb * 1024
}
