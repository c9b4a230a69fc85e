package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/lightwavelabs/node-sync/internal/clocksync"
	"github.com/lightwavelabs/node-sync/internal/command"
	"github.com/lightwavelabs/node-sync/internal/config"
	"github.com/lightwavelabs/node-sync/internal/frame"
	"github.com/lightwavelabs/node-sync/internal/liveness"
	"github.com/lightwavelabs/node-sync/internal/logging"
	"github.com/lightwavelabs/node-sync/internal/observability"
	"github.com/lightwavelabs/node-sync/internal/scene"
	"github.com/lightwavelabs/node-sync/internal/schedqueue"
	"github.com/lightwavelabs/node-sync/internal/transport"
)

func main() {
	configPath := pflag.String("config", "/etc/lightnode/node.yaml", "path to the node configuration file")
	hubURL := pflag.String("hub-url", "", "hub websocket URL (overrides config)")
	metricsAddr := pflag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (overrides config)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The logger depends on config, so config errors go to stderr raw.
		os.Stderr.WriteString("lightnode: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *hubURL != "" {
		cfg.Hub.URL = *hubURL
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	syncMetrics, err := observability.NewSyncCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise sync metrics", logging.String("error", err.Error()))
		os.Exit(1)
	}
	queueMetrics, err := observability.NewQueueCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise queue metrics", logging.String("error", err.Error()))
		os.Exit(1)
	}
	livenessMetrics, err := observability.NewLivenessCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise liveness metrics", logging.String("error", err.Error()))
		os.Exit(1)
	}
	transportMetrics, err := observability.NewTransportCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise transport metrics", logging.String("error", err.Error()))
		os.Exit(1)
	}
	frameMetrics, err := observability.NewFrameCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise frame metrics", logging.String("error", err.Error()))
		os.Exit(1)
	}

	metricsSrv := serveMetrics(cfg.Metrics.Addr, syncMetrics, log)

	clock := clocksync.NewMonotonicClock()

	est := clocksync.NewEstimator(clocksync.Options{
		StabilityThresholdMicros: cfg.Clock.StabilityThresholdMicros,
		LockThreshold:            cfg.Clock.LockThreshold,
		DegradeThreshold:         cfg.Clock.DegradeThreshold,
		SilenceBound:             time.Duration(cfg.Clock.SilenceBoundMillis) * time.Millisecond,
		ProbeIntervalUnlocked:    time.Duration(cfg.Clock.ProbeIntervalUnlockedMillis) * time.Millisecond,
		ProbeIntervalLocked:      time.Duration(cfg.Clock.ProbeIntervalLockedMillis) * time.Millisecond,
	}, syncMetrics)

	queue, err := schedqueue.New(cfg.Queue.Capacity, queueMetrics)
	if err != nil {
		log.Error(ctx, "failed to initialise scheduler queue", logging.String("error", err.Error()))
		os.Exit(1)
	}

	policy := liveness.NewPolicy(liveness.Thresholds{
		SoftSilence:  time.Duration(cfg.Liveness.SoftSilenceMillis) * time.Millisecond,
		HardSilence:  time.Duration(cfg.Liveness.HardSilenceMillis) * time.Millisecond,
		LossRatioMax: cfg.Liveness.LossRatioMax,
	}, livenessMetrics)

	codec := command.NewCodec(cfg.Hub.Secret)

	link := transport.New(transport.Options{
		URL:              cfg.Hub.URL,
		NodeID:           cfg.Node.ID,
		ReconnectMin:     time.Duration(cfg.Hub.ReconnectMinMillis) * time.Millisecond,
		ReconnectMax:     time.Duration(cfg.Hub.ReconnectMaxMillis) * time.Millisecond,
		ApplyAheadMicros: int64(cfg.Queue.ApplyAheadMillis) * 1000,
	}, codec, est, queue, policy, clock, transportMetrics, log)

	coordinator := frame.NewCoordinator(
		queue, policy, link, clock,
		time.Duration(cfg.Frame.IntervalMillis)*time.Millisecond,
		cfg.Queue.MaxPerCycle,
		frameMetrics, log,
	)

	store := scene.NewFileStore(cfg.Scene.Path)
	if persisted, ok, err := store.Load(); err != nil {
		log.Warn(ctx, "failed to load persisted scene",
			logging.String("path", store.Path()),
			logging.String("error", err.Error()),
		)
	} else if ok {
		policy.SeedScene(persisted)
		coordinator.SeedScene(persisted)
		log.Info(ctx, "restored persisted scene",
			logging.Uint64("effect_id", uint64(persisted.EffectID)),
			logging.Uint64("palette_id", uint64(persisted.PaletteID)),
		)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := link.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Error(runCtx, "hub link loop exited", logging.String("error", err.Error()))
		}
	}()
	go link.RunSignals(runCtx)
	go coordinator.Run(runCtx)
	go persistScenes(runCtx, policy, store, time.Duration(cfg.Scene.SaveIntervalMillis)*time.Millisecond, log)

	log.Info(ctx, "lightnode running",
		logging.String("node_id", cfg.Node.ID),
		logging.String("hub_url", cfg.Hub.URL),
		logging.Int("queue_capacity", cfg.Queue.Capacity),
	)

	<-runCtx.Done()
	log.Info(ctx, "shutting down")

	// Final scene snapshot so a reboot comes back with the latest look.
	if err := store.SaveIfChanged(policy.FallbackScene()); err != nil {
		log.Warn(ctx, "failed to persist scene at shutdown", logging.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

// persistScenes periodically snapshots the fallback scene to disk. The store
// skips writes when nothing changed, so the ticker can be tight without
// wearing out flash.
func persistScenes(ctx context.Context, policy *liveness.Policy, store *scene.FileStore, interval time.Duration, log logging.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.SaveIfChanged(policy.FallbackScene()); err != nil {
				log.Warn(ctx, "failed to persist scene", logging.String("error", err.Error()))
			}
		}
	}
}

func serveMetrics(addr string, collector *observability.SyncCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
