package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/rydo/internal/booking/geo"
	"github.com/example/rydo/internal/location"
	"github.com/example/rydo/pkg/observability"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("location-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "location-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	var index geo.Index
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer client.Close()
		index = geo.NewRedisIndex(client, "")
	} else {
		logger.Warn("REDIS_ADDR not set, updates stay local to this process")
		index = geo.NewMemoryIndex()
	}

	go runMetrics(logger)
	go runGRPC(logger, index)

	<-ctx.Done()
	logger.Info("shutdown signal received")
}

func runMetrics(logger *zap.Logger) {
	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter())
	srv := &http.Server{Addr: getenv("METRICS_ADDR", ":8081"), Handler: r, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("metrics listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("metrics server", zap.Error(err))
	}
}

func runGRPC(logger *zap.Logger, index geo.Index) {
	lis, err := net.Listen("tcp", getenv("GRPC_ADDR", ":9090"))
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}
	srv := grpc.NewServer()
	location.RegisterAvailabilityServer(srv, location.NewServer(index, logger.Named("ingest")))
	logger.Info("availability grpc listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("grpc serve", zap.Error(err))
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
