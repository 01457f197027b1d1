package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/geoquery/internal/api"
	"github.com/example/geoquery/internal/geoquery"
	"github.com/example/geoquery/internal/location"
	"github.com/example/geoquery/internal/locstore"
	"github.com/example/geoquery/pkg/observability"
	"github.com/example/geoquery/pkg/relay"
)

type locationStore interface {
	api.Store
	Close() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("geoqueryd")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(logger, "geoqueryd")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()
	queryCfg := geoquery.Config{
		Logger:           logger,
		CleanupThreshold: cfg.CleanupThreshold,
		CleanupDelay:     cfg.CleanupDelay,
		SweepInterval:    cfg.SweepInterval,
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	store, ready, err := openStore(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("open location store", zap.Error(err))
	}
	defer store.Close()

	if cfg.Watch != nil {
		startWatch(ctx, cfg, store, queryCfg, logger)
	}

	limiter := api.NewRateLimiter(redisClient, cfg.RedisPrefix, api.RateConfig{
		Rate:  cfg.RateWriteRPS,
		Burst: cfg.RateWriteBurst,
	})
	apiHTTP := api.New(store, limiter, logger, api.Config{
		AuthSecret:   cfg.JWTSecret,
		StreamBuffer: cfg.StreamBuffer,
		Query:        queryCfg,
	})

	r := chi.NewRouter()
	r.Mount("/", apiHTTP.Router())
	r.Mount("/observability", observability.MetricsRouter(ready))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("geoquery http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	grpcSrv := grpc.NewServer()
	location.RegisterLocationServer(grpcSrv, location.NewServer(store, logger))
	go runGRPC(logger, grpcSrv, cfg.GRPCAddr)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
}

// openStore picks Redis when a client is configured and the embedded Pebble
// store otherwise.
func openStore(cfg appConfig, client *redis.Client, logger *zap.Logger) (locationStore, observability.ReadinessCheck, error) {
	if client != nil {
		store := locstore.NewRedisStore(client, cfg.RedisPrefix, logger.Named("locstore"))
		return store, func(ctx context.Context) error { return client.Ping(ctx).Err() }, nil
	}
	store, err := locstore.OpenPebble(locstore.PebbleConfig{Dir: cfg.PebbleDir, Logger: logger.Named("locstore")})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using embedded pebble store", zap.String("dir", cfg.PebbleDir))
	return store, func(ctx context.Context) error {
		_, _, err := store.Get(ctx, "")
		return err
	}, nil
}

// startWatch runs the standing query and relays its events to NATS.
func startWatch(ctx context.Context, cfg appConfig, store locstore.Store, queryCfg geoquery.Config, logger *zap.Logger) {
	if cfg.NATSURL == "" {
		logger.Warn("watch query disabled: NATS_URL not set")
		return
	}
	conn, err := nats.Connect(cfg.NATSURL, nats.Name("geoqueryd"))
	if err != nil {
		logger.Warn("nats connection failed", zap.Error(err))
		return
	}
	go func() {
		<-ctx.Done()
		_ = conn.Drain()
	}()

	queryCfg.OnError = func(err error) {
		logger.Warn("watch query store failure", zap.Error(err))
	}
	q, err := geoquery.New(ctx, store, geoquery.At(cfg.Watch.Center, cfg.Watch.RadiusKM), queryCfg)
	if err != nil {
		logger.Error("watch query start failed", zap.Error(err))
		return
	}
	rl := relay.New(conn, logger, relay.Config{Subject: cfg.NATSSubject, QueryID: "watch"})
	if err := rl.Attach(q); err != nil {
		logger.Error("relay attach failed", zap.Error(err))
		q.Cancel()
		return
	}
	go func() {
		if err := rl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped", zap.Error(err))
		}
	}()
	logger.Info("watch query relaying",
		zap.Float64("lat", cfg.Watch.Center.Lat),
		zap.Float64("lng", cfg.Watch.Center.Lng),
		zap.Float64("radius_km", cfg.Watch.RadiusKM),
		zap.String("subject", cfg.NATSSubject),
	)
}

func runGRPC(logger *zap.Logger, srv *grpc.Server, addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}
	logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Fatal("grpc serve", zap.Error(err))
	}
}
