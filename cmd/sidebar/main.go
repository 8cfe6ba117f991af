package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/map-sidebar/internal/actionlog"
	"github.com/mohammed-shakir/map-sidebar/internal/cache"
	"github.com/mohammed-shakir/map-sidebar/internal/cache/redisstore"
	"github.com/mohammed-shakir/map-sidebar/internal/catalog"
	"github.com/mohammed-shakir/map-sidebar/internal/core/config"
	"github.com/mohammed-shakir/map-sidebar/internal/core/health"
	"github.com/mohammed-shakir/map-sidebar/internal/core/observability"
	"github.com/mohammed-shakir/map-sidebar/internal/core/server"
	"github.com/mohammed-shakir/map-sidebar/internal/filter"
	"github.com/mohammed-shakir/map-sidebar/internal/logger"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice/memory"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice/wsbridge"
	"github.com/mohammed-shakir/map-sidebar/internal/metrics"
	"github.com/mohammed-shakir/map-sidebar/internal/sidebar"
	cfkafka "github.com/mohammed-shakir/map-sidebar/pkg/changefeed/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// mapConn is a connected map service plus the hub its pushes arrive on.
type mapConn struct {
	svc       mapservice.Service
	hub       *mapservice.Hub
	connected func() bool
	close     func() error
}

func connectMap(ctx context.Context, cfg config.Config, log *slog.Logger) (mapConn, error) {
	switch cfg.MapServiceDriver {
	case "memory":
		seed := memory.DefaultSeed()
		if cfg.MapSeedFile != "" {
			s, err := memory.LoadSeed(cfg.MapSeedFile)
			if err != nil {
				return mapConn{}, err
			}
			seed = s
		}
		svc, err := memory.New(seed, log)
		if err != nil {
			return mapConn{}, err
		}
		return mapConn{
			svc:       svc,
			hub:       svc.Hub(),
			connected: func() bool { return true },
			close:     func() error { return nil },
		}, nil
	case "ws":
		dialCtx, cancel := context.WithTimeout(ctx, cfg.MapCallTimeout)
		defer cancel()
		c, err := wsbridge.Dial(dialCtx, cfg.MapServiceURL, wsbridge.Options{
			Logger:       log,
			CallTimeout:  cfg.MapCallTimeout,
			PingInterval: cfg.MapPingInterval,
		})
		if err != nil {
			return mapConn{}, err
		}
		return mapConn{svc: c, hub: c.Hub(), connected: c.Connected, close: c.Close}, nil
	}
	return mapConn{}, fmt.Errorf("unknown MAP_SERVICE_DRIVER %q", cfg.MapServiceDriver)
}

// feedSink drops the cached catalog on every change and schedules a reload
// so added and removed entities reach the tree.
type feedSink struct {
	loader *catalog.Loader
	reload chan struct{}
}

func (f *feedSink) Invalidate(ctx context.Context) error {
	if err := f.loader.Invalidate(ctx); err != nil {
		return err
	}
	select {
	case f.reload <- struct{}{}:
	default:
	}
	return nil
}

func reloadLoop(ctx context.Context, sb *sidebar.Session, reload <-chan struct{}, log *slog.Logger) {
	const debounce = 250 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(debounce):
		}
		if err := sb.Load(ctx); err != nil {
			log.Warn("sidebar reload after change failed", "err", err)
		}
	}
}

// newActionLog shares the change feed's TLS and SASL settings.
func newActionLog(cfg config.Config, feedCfg cfkafka.Config, log *slog.Logger) (*actionlog.Publisher, error) {
	sc, err := feedCfg.Sarama()
	if err != nil {
		return nil, err
	}
	return actionlog.NewPublisher(strings.Split(cfg.ActionLog.Brokers, ","), cfg.ActionLog.Topic, cfg.ActionLog.Queue, sc, log)
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		MapID:     cfg.MapID,
		Component: "sidebar",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.SetMapID(cfg.MapID)
	appLog.Info("starting sidebar",
		"addr", cfg.Addr,
		"version", Version,
		"map_service", cfg.MapServiceDriver,
		"map_id", cfg.MapID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		metricsHandler http.Handler
		reg            prometheus.Registerer
	)
	if cfg.MetricsEnabled {
		p, err := metrics.Init(metrics.Config{
			MapID: cfg.MapID,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		if err != nil {
			appLog.Error("metrics setup failed", "err", err)
			return 1
		}
		metricsHandler = p.Handler()
		reg = p.Registerer()
	}

	conn, err := connectMap(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("map service connection failed", "err", err)
		return 1
	}
	defer func() { _ = conn.close() }()

	var store cache.Interface
	if cfg.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.RedisAddr,
			redisstore.WithReadTimeout(cfg.CacheOpTimeout),
			redisstore.WithWriteTimeout(cfg.CacheOpTimeout))
		if err != nil {
			appLog.Warn("redis unavailable, catalog cache disabled", "err", err)
		} else {
			defer func() { _ = rc.Close() }()
			store = rc
		}
	}
	loader := catalog.NewLoader(conn.svc, catalog.Options{
		MapID:  cfg.MapID,
		Cache:  store,
		TTL:    cfg.CatalogCacheTTL,
		Logger: appLog,
	})

	feedCfg := cfkafka.FromEnv()
	var actions actionlog.Recorder = actionlog.Nop{}
	if cfg.ActionLog.Enabled {
		pub, err := newActionLog(cfg, feedCfg, appLog)
		if err != nil {
			appLog.Warn("action log disabled", "err", err)
		} else {
			defer func() { _ = pub.Close() }()
			actions = pub
		}
	}

	sb := sidebar.New(conn.svc, loader, sidebar.Options{
		Logger:     appLog,
		MapID:      cfg.MapID,
		Filterable: cfg.FilterableLayers,
		Filter: filter.Config{
			Field:   cfg.FilterField,
			Default: filter.Range{Min: cfg.FilterRangeMin, Max: cfg.FilterRangeMax},
		},
		Actions: actions,
	})
	defer func() { _ = sb.Close() }()
	if err := sb.Load(ctx); err != nil {
		appLog.Error("initial sidebar load failed; retry with POST /api/reload", "err", err)
	}

	sink := &feedSink{loader: loader, reload: make(chan struct{}, 1)}
	go reloadLoop(ctx, sb, sink.reload, appLog)

	var feed health.ReadinessReporter
	runner := cfkafka.New(feedCfg, conn.hub, sink, cfkafka.Options{
		Logger:   appLog,
		Register: reg,
		MapID:    cfg.MapID,
	})
	if runner.Enabled() {
		if err := runner.Start(ctx); err != nil {
			appLog.Error("change feed start failed", "err", err)
			return 1
		}
		defer runner.Stop()
		feed = runner
	}

	ready := health.Readiness(feed,
		health.Check{Name: "sidebar", Ready: sb.Ready},
		health.Check{Name: "mapservice", Ready: conn.connected},
	)
	if err := server.Run(ctx, cfg, appLog, server.Deps{Sidebar: sb, Ready: ready, Metrics: metricsHandler}); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
