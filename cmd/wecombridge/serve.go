package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wecombridge/internal/channel"
	"wecombridge/internal/config"
	"wecombridge/internal/domain"
	"wecombridge/internal/media"
	"wecombridge/internal/metrics"
	"wecombridge/internal/provider"
	"wecombridge/internal/session"
	"wecombridge/internal/stream"
	"wecombridge/internal/wecom"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the callback server",
		Long:  "Serves the WeCom callback URL, health and metrics endpoints. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec, err := wecom.NewCodec(cfg.WeCom.Token, cfg.WeCom.EncodingAESKey, cfg.WeCom.ReceiverID)
	if err != nil {
		return fmt.Errorf("wecom codec: %w", err)
	}

	var collector *metrics.Collector
	metricsPath := ""
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		metricsPath = cfg.Metrics.Path
	}

	registry := stream.NewRegistry(stream.RegistryConfig{
		TTL:    cfg.Stream.TTL(),
		Grace:  cfg.Stream.Grace(),
		Logger: logger,
	})
	dedup := stream.NewDedup(stream.DedupConfig{
		Window:     cfg.Stream.DedupWindow(),
		MaxEntries: cfg.Stream.DedupMaxEntries,
	})

	upstream := newUpstream(cfg.Upstream)
	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := upstream.Healthy(healthCtx); err != nil {
		logger.Warn("upstream unreachable at startup", "upstream", upstream.Name(), "url", cfg.Upstream.URL, "err", err)
	} else {
		logger.Info("upstream reachable", "upstream", upstream.Name(), "url", cfg.Upstream.URL)
	}
	healthCancel()

	driverCfg := stream.DriverConfig{
		Registry:           registry,
		Provider:           upstream,
		Metrics:            collector,
		Logger:             logger,
		Timeout:            cfg.Upstream.Timeout(),
		MaxConcurrent:      cfg.Upstream.MaxConcurrentStreams,
		RateLimitPerMinute: cfg.Upstream.RateLimitPerMinute,
		BaseContext:        ctx,
	}
	dispatcherCfg := channel.DispatcherConfig{
		Registry: registry,
		Dedup:    dedup,
		Metrics:  collector,
		Logger:   logger,
	}

	if cfg.Session.Enabled {
		store, err := session.Open(cfg.Session.DBPath, logger)
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		defer store.Close()
		driverCfg.Journal = store
		dispatcherCfg.Sessions = store
		dispatcherCfg.Commands = session.NewCommands(cfg.Session.ResetCommands)
		logger.Info("sessions enabled", "db", cfg.Session.DBPath)
	}

	if cfg.Media.Enabled {
		resolver, err := media.NewResolver(media.ResolverConfig{
			Dir:       cfg.Media.Dir,
			MaxBytes:  cfg.Media.MaxBytes,
			Client:    provider.DownloadHTTPClient(30 * time.Second),
			Decrypter: codec,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("media resolver: %w", err)
		}
		dispatcherCfg.Images = resolver
		logger.Info("image messages enabled", "dir", cfg.Media.Dir)
	}

	driver := stream.NewDriver(driverCfg)
	dispatcherCfg.Driver = driver
	dispatcher := channel.NewDispatcher(dispatcherCfg)

	server := channel.NewWeCom(channel.WeComConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Path:        cfg.Server.Path,
		MetricsPath: metricsPath,
		Codec:       codec,
		Dispatcher:  dispatcher,
		Registry:    registry,
		Metrics:     collector,
		Logger:      logger,
	})

	sweeper := stream.NewSweeper(cfg.Stream.SweepSchedule, logger)
	sweeper.Add("streams", registry)
	sweeper.Add("dedup", dedup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		if err := sweeper.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})

	logger.Info("wecombridge started", "version", version, "addr", server.Addr(), "path", cfg.Server.Path)
	err = g.Wait()
	stop()

	logger.Info("shutting down")
	registry.Close()
	if !waitTimeout(driver.Wait, shutdownTimeout) {
		logger.Warn("upstream runs still draining at exit")
	}
	logger.Info("shutdown complete")
	return err
}

// newUpstream builds the gateway client, chained with any fallback gateways.
func newUpstream(cfg config.UpstreamConfig) domain.StreamingProvider {
	client := provider.StreamingHTTPClient(0)
	build := func(url string) *provider.OpenClaw {
		return provider.NewOpenClaw(provider.OpenClawConfig{
			URL:        url,
			Token:      cfg.Token,
			Model:      cfg.Model,
			MaxRetries: cfg.MaxRetries,
			Client:     client,
			Logger:     logger,
		})
	}
	primary := build(cfg.URL)
	if len(cfg.FallbackURLs) == 0 {
		return primary
	}
	chain := []domain.StreamingProvider{primary}
	for _, u := range cfg.FallbackURLs {
		chain = append(chain, build(u))
	}
	return provider.NewFailover(chain, logger)
}

// waitTimeout runs wait in the background and reports whether it returned
// within d.
func waitTimeout(wait func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// configSummary is logged by doctor and wizard so operators can see the
// effective values without secrets.
func configSummary(cfg *config.Config) []any {
	s := config.Sanitize(cfg)
	return []any{
		"listen", fmt.Sprintf("%s:%d%s", s.Server.Host, s.Server.Port, s.Server.Path),
		"upstream", s.Upstream.URL,
		"token", s.WeCom.Token,
		"sessions", s.Session.Enabled,
		"media", s.Media.Enabled,
	}
}
