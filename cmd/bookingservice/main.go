package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/rydo/internal/auth"
	"github.com/example/rydo/internal/booking/domain"
	"github.com/example/rydo/internal/booking/geo"
	"github.com/example/rydo/internal/booking/handler"
	"github.com/example/rydo/internal/booking/scheduler"
	bookingservice "github.com/example/rydo/internal/booking/service"
	"github.com/example/rydo/internal/booking/store"
	"github.com/example/rydo/internal/events"
	ratelimitmw "github.com/example/rydo/internal/http/middleware"
	"github.com/example/rydo/internal/notify"
	"github.com/example/rydo/internal/wallet"
	"github.com/example/rydo/pkg/observability"
)

type appConfig struct {
	HTTPAddr         string
	PostgresDSN      string
	RedisAddr        string
	NATSURL          string
	JWTSecret        string
	AcceptanceWindow time.Duration
	SweepInterval    time.Duration
	SweepBatch       int
	RateReadRPS      float64
	RateReadBurst    float64
	RateWriteRPS     float64
	RateWriteBurst   float64
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("booking-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "booking-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()
	clock := domain.SystemClock{}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("bookingservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var bookingStore domain.Store
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		pg := store.NewPostgresStore(db, clock)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("postgres schema", zap.Error(err))
		}
		bookingStore = pg
	} else {
		logger.Warn("POSTGRES_DSN not set, using in-memory booking store")
		bookingStore = store.NewMemoryStore(clock)
	}

	var index geo.Index
	if redisClient != nil {
		index = geo.NewRedisIndex(redisClient, "")
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory geo index")
		index = geo.NewMemoryIndex()
	}

	dispatcher := notify.NewNATSDispatcher(natsConn, "")
	publisher := events.NewPublisher(natsConn, "")
	ledger := wallet.NewNATSLedger(natsConn, "")

	sweeper := scheduler.NewSweeper(bookingStore, dispatcher, publisher, clock, logger.Named("sweeper"), scheduler.Config{
		SweepInterval: cfg.SweepInterval,
		BatchSize:     cfg.SweepBatch,
	})
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweep loop stopped", zap.Error(err))
		}
	}()

	svc := bookingservice.New(bookingStore, index, sweeper, bookingservice.Options{
		Notifier:         dispatcher,
		Events:           publisher,
		Wallet:           ledger,
		Idempotency:      store.NewMemoryIdempotency(),
		Clock:            clock,
		Logger:           logger.Named("service"),
		AcceptanceWindow: cfg.AcceptanceWindow,
	})
	bookingHTTP := handler.NewHTTP(svc, logger.Named("http"))

	r := chi.NewRouter()
	if limiter := ratelimitmw.NewRateLimiter(redisClient,
		ratelimitmw.RateConfig{Rate: cfg.RateReadRPS, Burst: cfg.RateReadBurst},
		ratelimitmw.RateConfig{Rate: cfg.RateWriteRPS, Burst: cfg.RateWriteBurst}); limiter != nil {
		r.Use(limiter.Middleware)
	}
	if cfg.JWTSecret != "" {
		r.Use(auth.Middleware(cfg.JWTSecret))
	}
	r.Mount("/", bookingHTTP.Router())
	r.Mount("/observability", observability.MetricsRouter())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("booking service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		PostgresDSN:      firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		NATSURL:          os.Getenv("NATS_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		AcceptanceWindow: time.Duration(parseIntEnv("BOOKING_TIMEOUT_SEC", 300)) * time.Second,
		SweepInterval:    time.Duration(parseIntEnv("SWEEP_INTERVAL_SEC", 15)) * time.Second,
		SweepBatch:       parseIntEnv("SWEEP_BATCH", 100),
		RateReadRPS:      parseFloatEnv("RATE_READ_RPS", 50),
		RateReadBurst:    parseFloatEnv("RATE_READ_BURST", 100),
		RateWriteRPS:     parseFloatEnv("RATE_WRITE_RPS", 10),
		RateWriteBurst:   parseFloatEnv("RATE_WRITE_BURST", 20),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
