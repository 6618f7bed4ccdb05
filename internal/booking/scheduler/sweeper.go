package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/rydo/internal/booking/domain"
)

// Expiration sources, recorded on the metrics so the proactive and lazy
// paths can be told apart.
const (
	SourceTimer = "timer"
	SourceSweep = "sweep"
	SourceLazy  = "lazy"
)

// Config defines tunables for the sweep loop.
type Config struct {
	SweepInterval time.Duration
	BatchSize     int
}

// Sweeper guarantees every pending booking is evaluated for expiration at or
// soon after its deadline. Per-booking timers give low latency; the periodic
// sweep over persisted deadlines gives correctness across restarts. Both fire
// the same CAS transition, so a duplicate or stale fire is a harmless no-op.
type Sweeper struct {
	store    domain.Store
	notifier domain.NotificationDispatcher
	events   domain.EventPublisher
	clock    domain.Clock
	logger   *zap.Logger
	cfg      Config
	tracer   trace.Tracer

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

// NewSweeper constructs the expiration scheduler.
func NewSweeper(store domain.Store, notifier domain.NotificationDispatcher, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger, cfg Config) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		notifier: notifier,
		events:   events,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		tracer:   otel.Tracer("booking.scheduler"),
		timers:   make(map[uuid.UUID]*time.Timer),
	}
}

// Arm schedules an in-process check at the booking's deadline. The timer is
// volatile; the sweep picks up anything lost to a restart.
func (s *Sweeper) Arm(bookingID uuid.UUID, at time.Time) {
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[bookingID]; ok {
		existing.Stop()
	}
	s.timers[bookingID] = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.Expire(ctx, bookingID, SourceTimer); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("timer expire failed", zap.String("booking_id", bookingID.String()), zap.Error(err))
		}
	})
	armedTimers.Set(float64(len(s.timers)))
}

// Disarm stops the in-process timer. Purely an optimization: a stale fire
// loses the CAS and does nothing.
func (s *Sweeper) Disarm(bookingID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[bookingID]; ok {
		timer.Stop()
		delete(s.timers, bookingID)
	}
	armedTimers.Set(float64(len(s.timers)))
}

// Expire attempts the pending -> expired CAS. True means this caller won the
// transition and the expiration side effects ran exactly once. False with nil
// error means the booking already left pending, the expected common case.
func (s *Sweeper) Expire(ctx context.Context, bookingID uuid.UUID, source string) (bool, error) {
	won, err := s.store.CompareAndTransition(ctx, bookingID, domain.StatusPending, domain.StatusExpired, nil)
	if err != nil {
		return false, fmt.Errorf("expire booking: %w", err)
	}
	if !won {
		expirationsLost.WithLabelValues(source).Inc()
		return false, nil
	}
	expirationsWon.WithLabelValues(source).Inc()
	s.Disarm(bookingID)

	booking, err := s.store.Get(ctx, bookingID)
	if err != nil {
		s.logger.Warn("expired booking readback failed", zap.String("booking_id", bookingID.String()), zap.Error(err))
		return true, nil
	}
	if s.notifier != nil {
		n := domain.Notification{
			UserID:        booking.CustomerID,
			Title:         "Booking expired",
			Message:       fmt.Sprintf("No provider responded to booking %s in time. You can retry the request.", booking.ReferenceID),
			Type:          "booking_expired",
			ReferenceID:   booking.ReferenceID,
			ReferenceType: "booking",
			Priority:      "high",
		}
		if err := s.notifier.Create(ctx, n); err != nil {
			s.logger.Warn("expiration notification failed", zap.String("booking_id", bookingID.String()), zap.Error(err))
		}
	}
	if s.events != nil {
		_ = s.events.Publish(ctx, domain.BookingEvent{
			BookingID: booking.ID,
			Type:      domain.EventBookingExpired,
			Payload:   map[string]any{"reference_id": booking.ReferenceID, "source": source},
			CreatedAt: s.clock.Now(),
		})
	}
	return true, nil
}

// Run executes the periodic sweep until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if err := s.sweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweep pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.sweep")
	defer span.End()

	now := s.clock.Now()
	due, err := s.store.DuePending(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load due bookings: %w", err)
	}
	maxLag := 0.0
	for _, booking := range due {
		if _, err := s.Expire(ctx, booking.ID, SourceSweep); err != nil {
			return err
		}
		if lag := now.Sub(booking.ExpirationTime).Seconds(); lag > maxLag {
			maxLag = lag
		}
	}
	sweepLagSeconds.Set(maxLag)
	return nil
}
