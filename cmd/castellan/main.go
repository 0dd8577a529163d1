// Command castellan runs the host-based security event processing daemon:
// it tails Windows Event Log channels, classifies and correlates events,
// and serves a minimal HTTP surface for health, metrics, and live results.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/iff-guardian/castellan/internal/bookmark"
	"github.com/iff-guardian/castellan/internal/correlation"
	"github.com/iff-guardian/castellan/internal/eventlog"
	"github.com/iff-guardian/castellan/internal/ignorefilter"
	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/internal/normalize"
	"github.com/iff-guardian/castellan/internal/pipeline"
	"github.com/iff-guardian/castellan/internal/rules"
	"github.com/iff-guardian/castellan/internal/scheduler"
	"github.com/iff-guardian/castellan/internal/store"
	"github.com/iff-guardian/castellan/pkg/config"
	"github.com/iff-guardian/castellan/pkg/database"
	"github.com/iff-guardian/castellan/pkg/health"
	"github.com/iff-guardian/castellan/pkg/logger"
	"github.com/iff-guardian/castellan/pkg/metrics"
	"github.com/iff-guardian/castellan/pkg/rediscache"
)

func main() {
	cfg, err := config.Load("castellan")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.ServiceName)
	met := metrics.NewCollector(cfg.ServiceName)
	checker := health.New()

	db, err := database.NewPostgres(cfg.Database.URL, database.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()
	checker.AddCheck("database", database.HealthCheck(db))

	redisClient, err := rediscache.NewClient(cfg.Redis.URL)
	if err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()
	checker.AddCheck("redis", rediscache.HealthCheck(redisClient))

	bookmarks, err := bookmark.New(cfg.Bookmark.Path, log.With("component", "bookmark"))
	if err != nil {
		log.Fatal("failed to open bookmark store", "error", err)
	}
	defer bookmarks.Close()
	checker.AddCheck("bookmark", func(ctx context.Context) error { return bookmarks.HealthCheck()() })

	ruleStore := rules.NewStore(db)
	ruleCache := rules.NewCache(ruleStore, redisClient, met, log.With("component", "rules"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ruleCache.Warm(ctx); err != nil {
		log.Warn("rule cache warm-up failed, continuing with compile-time fallback only", "error", err)
	}

	detector := rules.NewDetector(ruleCache)
	normalizer := normalize.New(log.With("component", "normalize"))
	correlator := correlation.New(correlationConfig(cfg.Correlation), log.With("component", "correlation"))
	filter := ignorefilter.New(ignoreConfig(cfg.Ignore))

	hub := store.NewHub()
	durableStore := store.NewPostgresStore(db)
	checker.AddCheck("store", durableStore.HealthCheck)
	broadcastStore := store.NewBroadcastStore(durableStore, hub, met, log.With("component", "store"))

	pipelineCfg := pipeline.Config{
		DefaultMaxQueue:     cfg.Pipeline.MaxQueue,
		ConsumerConcurrency: cfg.Pipeline.ConsumerConcurrency,
		ShutdownGrace:       time.Duration(cfg.Pipeline.ShutdownGraceSeconds) * time.Second,
	}
	pl := pipeline.New(pipelineCfg, normalizer, detector, nil, correlator, filter, broadcastStore, met, log.With("component", "pipeline"))

	watcherMgr := eventlog.NewManager(bookmarks, pl, log.With("component", "eventlog"))
	if err := watcherMgr.Start(ctx, channelConfigs(cfg.Channels)); err != nil {
		log.Warn("one or more channel watchers failed to start", "error", err)
	}
	checker.AddDetailCheck("channels", func(ctx context.Context) (map[string]string, error) {
		status := watcherMgr.HealthStatus()
		detail := make(map[string]string, len(status))
		var failed int
		for channel, chErr := range status {
			if chErr != nil {
				detail[channel] = chErr.Error()
				failed++
				continue
			}
			detail[channel] = "ok"
		}
		if failed > 0 {
			return detail, fmt.Errorf("%d of %d channel watchers unhealthy", failed, len(status))
		}
		return detail, nil
	})

	sched := scheduler.New(schedulerConfig(cfg.Scheduler), nil, nil, ruleCache, met, log.With("component", "scheduler"))

	go pl.Run(ctx)
	go correlator.Run(ctx, time.Duration(cfg.Correlation.SweepIntervalMinutes)*time.Minute)
	go sched.Run(ctx)

	router := buildRouter(cfg, met, checker, durableStore, hub)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		log.Info("starting castellan", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start HTTP server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down castellan")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	log.Info("castellan shutdown complete")
}

func buildRouter(cfg *config.Config, met *metrics.Collector, checker *health.Checker, durableStore *store.PostgresStore, hub *store.Hub) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware(cfg.ServiceName, met))

	router.GET("/health", health.HandlerFunc(checker))
	router.GET("/health/ready", health.ReadinessHandlerFunc(checker))
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(metrics.HandlerFunc()))
	}

	v1 := router.Group("/api/v1")
	v1.GET("/events", listEventsHandler(durableStore))
	v1.GET("/events/risk-counts", riskCountsHandler(durableStore))

	stream := router.Group("/stream")
	stream.Use(corsMiddleware())
	stream.GET("/security-events", streamHandler(hub, store.StreamSecurityEvent))
	stream.GET("/correlation-alerts", streamHandler(hub, store.StreamCorrelationAlert))

	return router
}

func corsMiddleware() gin.HandlerFunc {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})
	return func(ctx *gin.Context) {
		c.HandlerFunc(ctx.Writer, ctx.Request)
		ctx.Next()
	}
}

func listEventsHandler(s *store.PostgresStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := store.Filter{
			RiskLevel:      c.Query("risk_level"),
			Severity:       c.Query("severity"),
			EventType:      c.Query("event_type"),
			SourceIP:       c.Query("source_ip"),
			MitreTechnique: c.Query("mitre_techniques"),
		}
		events, err := s.List(c.Request.Context(), f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, events)
	}
}

func riskCountsHandler(s *store.PostgresStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := s.GetRiskLevelCounts(c.Request.Context(), store.Filter{})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, counts)
	}
}

func streamHandler(hub *store.Hub, stream store.StreamName) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := hub.Subscribe(stream)
		defer hub.Unsubscribe(stream, sub)

		c.Stream(func(w gin.ResponseWriter) bool {
			select {
			case projection, ok := <-sub:
				if !ok {
					return false
				}
				c.SSEvent("message", projection)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}

func channelConfigs(channels []config.Channel) []eventlog.ChannelConfig {
	out := make([]eventlog.ChannelConfig, 0, len(channels))
	for _, ch := range channels {
		out = append(out, eventlog.ChannelConfig{
			Name:        ch.Name,
			XPathFilter: ch.XPathFilter,
			Enabled:     ch.Enabled,
			MaxQueue:    ch.MaxQueue,
		})
	}
	return out
}

func correlationConfig(c config.Correlation) correlation.DetectorConfig {
	return correlation.DetectorConfig{
		ChainWindow:      time.Duration(c.ChainWindowMinutes) * time.Minute,
		ChainTypes:       c.ChainEventTypes,
		LateralWindow:    time.Duration(c.LateralWindowMinutes) * time.Minute,
		EscalationWindow: time.Duration(c.EscalationWindowMinutes) * time.Minute,
		BurstWindow:      time.Duration(c.BurstWindowSeconds) * time.Second,
		BurstThreshold:   c.BurstThreshold,
		MLThreshold:      c.MLThreshold,
	}
}

func ignoreConfig(i config.Ignore) ignorefilter.Config {
	return ignorefilter.Config{
		Enabled:                   i.Enabled,
		FilterAllLocalEvents:      i.FilterAllLocalEvents,
		LocalMachineNames:         i.LocalMachineNames,
		MaxRecentEvents:           i.MaxRecentEvents,
		SequenceTimeWindowSeconds: i.SequenceTimeWindowSeconds,
		Patterns:                  []models.SequentialIgnorePattern{},
	}
}

func schedulerConfig(s config.Scheduler) scheduler.Config {
	return scheduler.Config{
		WarmupDelay:     time.Duration(s.WarmupDelaySeconds) * time.Second,
		Interval:        time.Duration(s.IntervalHours) * time.Hour,
		MitreRefreshAge: time.Duration(s.MitreRefreshAgeDays) * 24 * time.Hour,
	}
}
