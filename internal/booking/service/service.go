package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/rydo/internal/booking/domain"
	"github.com/example/rydo/internal/booking/geo"
	"github.com/example/rydo/internal/booking/scheduler"
)

// DefaultAcceptanceWindow is the canonical time a provider has to act on a
// pending booking before it expires.
const DefaultAcceptanceWindow = 5 * time.Minute

// Expirer arms per-booking deadlines and owns the pending -> expired CAS.
type Expirer interface {
	Arm(bookingID uuid.UUID, at time.Time)
	Disarm(bookingID uuid.UUID)
	Expire(ctx context.Context, bookingID uuid.UUID, source string) (bool, error)
}

// IdempotencyStore caches responses keyed by client idempotency key.
type IdempotencyStore interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

// Service orchestrates matching, booking lifecycle and retries.
type Service struct {
	store    domain.Store
	index    geo.Index
	expirer  Expirer
	notifier domain.NotificationDispatcher
	events   domain.EventPublisher
	wallet   domain.WalletLedger
	idem     IdempotencyStore
	clock    domain.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
	window   time.Duration
}

// Options carries the optional collaborators and tunables.
type Options struct {
	Notifier         domain.NotificationDispatcher
	Events           domain.EventPublisher
	Wallet           domain.WalletLedger
	Idempotency      IdempotencyStore
	Clock            domain.Clock
	Logger           *zap.Logger
	AcceptanceWindow time.Duration
}

// New constructs a Service with the required collaborators.
func New(store domain.Store, index geo.Index, expirer Expirer, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AcceptanceWindow <= 0 {
		opts.AcceptanceWindow = DefaultAcceptanceWindow
	}
	return &Service{
		store:    store,
		index:    index,
		expirer:  expirer,
		notifier: opts.Notifier,
		events:   opts.Events,
		wallet:   opts.Wallet,
		idem:     opts.Idempotency,
		clock:    opts.Clock,
		logger:   opts.Logger,
		tracer:   otel.Tracer("booking.service"),
		window:   opts.AcceptanceWindow,
	}
}

// FindNearbyRequest is the provider search input.
type FindNearbyRequest struct {
	ServiceType domain.ServiceType
	Point       domain.GeoPoint
	RadiusKm    float64
	Limit       int
}

// FindNearby returns eligible providers around the point, closest first.
func (s *Service) FindNearby(ctx context.Context, req FindNearbyRequest) ([]domain.Candidate, error) {
	if !req.ServiceType.Valid() {
		return nil, &domain.ValidationError{Field: "service_type", Reason: "must be driver, caretaker or shuttle"}
	}
	if err := req.Point.Validate(); err != nil {
		return nil, err
	}
	return s.index.Nearby(ctx, req.ServiceType, req.Point, req.RadiusKm, req.Limit)
}

// RequestBookingRequest is the booking creation input.
type RequestBookingRequest struct {
	CustomerID    uuid.UUID
	ServiceType   domain.ServiceType
	Pickup        domain.GeoPoint
	Dropoff       *domain.GeoPoint
	ProviderID    *uuid.UUID
	FareAmount    float64
	PaymentMethod string
	Notes         string
}

func (r RequestBookingRequest) validate() error {
	if r.CustomerID == uuid.Nil {
		return &domain.ValidationError{Field: "customer_id", Reason: "required"}
	}
	if !r.ServiceType.Valid() {
		return &domain.ValidationError{Field: "service_type", Reason: "must be driver, caretaker or shuttle"}
	}
	if err := r.Pickup.Validate(); err != nil {
		return err
	}
	if r.Dropoff != nil {
		if err := r.Dropoff.Validate(); err != nil {
			return err
		}
	}
	if r.FareAmount < 0 {
		return &domain.ValidationError{Field: "fare_amount", Reason: "must not be negative"}
	}
	return nil
}

// BookingResult pairs the created booking with the candidates notified.
type BookingResult struct {
	Booking    domain.Booking
	Candidates []domain.Candidate
}

// RequestBooking validates the request, persists a pending booking with a
// bounded acceptance window, arms the expiration deadline and broadcasts the
// request to nearby candidates. Candidate lookup and notification are
// best-effort: their failure never rolls back the booking.
func (s *Service) RequestBooking(ctx context.Context, idempotencyKey string, req RequestBookingRequest) (BookingResult, error) {
	ctx, span := s.tracer.Start(ctx, "booking.request")
	defer span.End()

	if err := req.validate(); err != nil {
		return BookingResult{}, err
	}

	if idempotencyKey != "" && s.idem != nil {
		if cached, ok, err := s.idem.GetResponse(ctx, idempotencyKey); err == nil && ok {
			if id, err := uuid.ParseBytes(cached); err == nil {
				booking, err := s.store.Get(ctx, id)
				if err == nil {
					return BookingResult{Booking: booking}, nil
				}
			}
		}
	}

	candidates, err := s.index.Nearby(ctx, req.ServiceType, req.Pickup, 0, 0)
	if err != nil {
		s.logger.Warn("candidate lookup failed", zap.Error(err))
		candidates = nil
	}

	providerID := req.ProviderID
	if providerID == nil && len(candidates) > 0 {
		// Best-match placeholder only; acceptance binds the provider.
		id := candidates[0].ProviderID
		providerID = &id
	}

	booking, err := s.store.Create(ctx, domain.BookingDraft{
		CustomerID:     req.CustomerID,
		ProviderID:     providerID,
		ServiceType:    req.ServiceType,
		Pickup:         req.Pickup,
		Dropoff:        req.Dropoff,
		FareAmount:     req.FareAmount,
		PaymentMethod:  req.PaymentMethod,
		Notes:          req.Notes,
		ExpirationTime: s.clock.Now().Add(s.window),
	})
	if err != nil {
		return BookingResult{}, fmt.Errorf("create booking: %w", err)
	}
	bookingsCreated.WithLabelValues(string(req.ServiceType)).Inc()

	s.expirer.Arm(booking.ID, booking.ExpirationTime)
	s.publish(ctx, booking, domain.EventBookingRequested, map[string]any{
		"customer_id": booking.CustomerID.String(),
		"candidates":  len(candidates),
	})
	s.notifyCandidates(ctx, booking, candidates)

	if idempotencyKey != "" && s.idem != nil {
		_ = s.idem.PutResponse(ctx, idempotencyKey, []byte(booking.ID.String()))
	}
	return BookingResult{Booking: booking, Candidates: candidates}, nil
}

// CheckStatus reads the booking, lazily expiring it when the deadline has
// passed while it is still pending. The lazy path and the scheduler share the
// same CAS, so double-processing cannot happen.
func (s *Service) CheckStatus(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	booking, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if booking.Status == domain.StatusPending && s.clock.Now().After(booking.ExpirationTime) {
		if _, err := s.expirer.Expire(ctx, bookingID, scheduler.SourceLazy); err != nil {
			return domain.Booking{}, err
		}
		return s.store.Get(ctx, bookingID)
	}
	return booking, nil
}

// BookingDetail is the full read model for a single booking.
type BookingDetail struct {
	Booking  domain.Booking
	Provider *domain.ProviderAvailability
}

// GetBooking returns the booking with provider display info, lazily expiring
// overdue pending bookings the same way CheckStatus does.
func (s *Service) GetBooking(ctx context.Context, bookingID uuid.UUID) (BookingDetail, error) {
	booking, err := s.CheckStatus(ctx, bookingID)
	if err != nil {
		return BookingDetail{}, err
	}
	detail := BookingDetail{Booking: booking}
	if booking.ProviderID != nil {
		provider, ok, err := s.index.Provider(ctx, *booking.ProviderID)
		if err != nil {
			s.logger.Warn("provider lookup failed", zap.Error(err))
		} else if ok {
			detail.Provider = &provider
		}
	}
	return detail, nil
}

// Retry re-opens an expired booking into a fresh pending episode with a new
// deadline. Exactly one of any concurrent retries wins the CAS.
func (s *Service) Retry(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	booking, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if booking.Status != domain.StatusExpired {
		return domain.Booking{}, &domain.InvalidStateError{Current: booking.Status, Required: domain.StatusExpired, Op: "retry"}
	}

	expiration := s.clock.Now().Add(s.window)
	won, err := s.store.CompareAndTransition(ctx, bookingID, domain.StatusExpired, domain.StatusPending,
		&domain.TransitionExtra{ExpirationTime: &expiration})
	if err != nil {
		return domain.Booking{}, fmt.Errorf("retry booking: %w", err)
	}
	if !won {
		current, err := s.store.Get(ctx, bookingID)
		if err != nil {
			return domain.Booking{}, err
		}
		return domain.Booking{}, &domain.InvalidStateError{Current: current.Status, Required: domain.StatusExpired, Op: "retry"}
	}
	bookingRetries.Inc()

	booking, err = s.store.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	s.expirer.Arm(booking.ID, booking.ExpirationTime)
	s.publish(ctx, booking, domain.EventBookingRetried, map[string]any{
		"expiration_time": booking.ExpirationTime,
	})

	candidates, err := s.index.Nearby(ctx, booking.ServiceType, booking.Pickup, 0, 0)
	if err != nil {
		s.logger.Warn("candidate lookup failed on retry", zap.Error(err))
		candidates = nil
	}
	s.notifyCandidates(ctx, booking, candidates)
	return booking, nil
}

// Accept binds the first provider to act on a pending booking. Exactly one of
// a concurrent accept and expire wins; the loser sees InvalidTransition.
func (s *Service) Accept(ctx context.Context, bookingID, providerID uuid.UUID) (domain.Booking, error) {
	won, err := s.store.CompareAndTransition(ctx, bookingID, domain.StatusPending, domain.StatusAccepted,
		&domain.TransitionExtra{ProviderID: &providerID})
	if err != nil {
		return domain.Booking{}, fmt.Errorf("accept booking: %w", err)
	}
	if !won {
		return s.transitionConflict(ctx, bookingID, domain.StatusAccepted)
	}
	s.expirer.Disarm(bookingID)

	booking, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	s.publish(ctx, booking, domain.EventBookingAccepted, map[string]any{"provider_id": providerID.String()})
	s.notifyCustomer(ctx, booking, "Booking accepted",
		fmt.Sprintf("A provider accepted booking %s and is on the way.", booking.ReferenceID), "booking_accepted")
	return booking, nil
}

// Cancel moves the booking to cancelled from any non-terminal state.
func (s *Service) Cancel(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	booking, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if !booking.Status.CanTransitionTo(domain.StatusCancelled) {
		return domain.Booking{}, &domain.InvalidTransitionError{From: booking.Status, To: domain.StatusCancelled}
	}
	won, err := s.store.CompareAndTransition(ctx, bookingID, booking.Status, domain.StatusCancelled, nil)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("cancel booking: %w", err)
	}
	if !won {
		return s.transitionConflict(ctx, bookingID, domain.StatusCancelled)
	}
	s.expirer.Disarm(bookingID)

	booking, err = s.store.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	s.publish(ctx, booking, domain.EventBookingCancelled, nil)
	return booking, nil
}

// Start moves an accepted booking into in_progress.
func (s *Service) Start(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	won, err := s.store.CompareAndTransition(ctx, bookingID, domain.StatusAccepted, domain.StatusInProgress, nil)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("start booking: %w", err)
	}
	if !won {
		return s.transitionConflict(ctx, bookingID, domain.StatusInProgress)
	}
	booking, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	s.publish(ctx, booking, domain.EventBookingStarted, nil)
	return booking, nil
}

// Complete finishes an in-progress booking.
func (s *Service) Complete(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	won, err := s.store.CompareAndTransition(ctx, bookingID, domain.StatusInProgress, domain.StatusCompleted, nil)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("complete booking: %w", err)
	}
	if !won {
		return s.transitionConflict(ctx, bookingID, domain.StatusCompleted)
	}
	booking, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	s.publish(ctx, booking, domain.EventBookingCompleted, map[string]any{"fare_amount": booking.FareAmount})
	s.notifyCustomer(ctx, booking, "Booking completed",
		fmt.Sprintf("Booking %s is complete. Thank you for riding with us.", booking.ReferenceID), "booking_completed")
	return booking, nil
}

// CompletePayment records the gateway outcome and, on success, triggers the
// ledger movements for the booking fare.
func (s *Service) CompletePayment(ctx context.Context, bookingID uuid.UUID, succeeded bool) (domain.Booking, error) {
	booking, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}

	status := domain.PaymentFailed
	if succeeded {
		status = domain.PaymentCompleted
	}
	if err := s.store.SetPaymentStatus(ctx, bookingID, status); err != nil {
		return domain.Booking{}, fmt.Errorf("record payment: %w", err)
	}

	if succeeded && s.wallet != nil {
		desc := fmt.Sprintf("fare for booking %s", booking.ReferenceID)
		if err := s.wallet.Debit(ctx, booking.CustomerID, booking.FareAmount, booking.ReferenceID, "booking", desc); err != nil {
			return domain.Booking{}, fmt.Errorf("wallet debit: %w", err)
		}
		if booking.ProviderID != nil {
			if err := s.wallet.Credit(ctx, *booking.ProviderID, booking.FareAmount, booking.ReferenceID, "booking", desc); err != nil {
				return domain.Booking{}, fmt.Errorf("wallet credit: %w", err)
			}
		}
	}
	return s.store.Get(ctx, bookingID)
}

func (s *Service) transitionConflict(ctx context.Context, bookingID uuid.UUID, wanted domain.BookingStatus) (domain.Booking, error) {
	current, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	return domain.Booking{}, &domain.InvalidTransitionError{From: current.Status, To: wanted}
}

func (s *Service) notifyCandidates(ctx context.Context, booking domain.Booking, candidates []domain.Candidate) {
	if s.notifier == nil {
		return
	}
	for _, candidate := range candidates {
		n := domain.Notification{
			UserID:        candidate.ProviderID,
			Title:         "New booking request",
			Message:       fmt.Sprintf("A %s request %.1f km away is waiting for a provider.", booking.ServiceType, candidate.DistanceKm),
			Type:          "booking_request",
			ReferenceID:   booking.ReferenceID,
			ReferenceType: "booking",
			Priority:      "high",
			ActionURL:     "/provider/bookings/" + booking.ReferenceID,
		}
		if err := s.notifier.Create(ctx, n); err != nil {
			notifyFailures.Inc()
			s.logger.Warn("candidate notification failed",
				zap.String("booking_id", booking.ID.String()),
				zap.String("provider_id", candidate.ProviderID.String()),
				zap.Error(err))
		}
	}
}

func (s *Service) notifyCustomer(ctx context.Context, booking domain.Booking, title, message, kind string) {
	if s.notifier == nil {
		return
	}
	n := domain.Notification{
		UserID:        booking.CustomerID,
		Title:         title,
		Message:       message,
		Type:          kind,
		ReferenceID:   booking.ReferenceID,
		ReferenceType: "booking",
		Priority:      "normal",
	}
	if err := s.notifier.Create(ctx, n); err != nil {
		notifyFailures.Inc()
		s.logger.Warn("customer notification failed", zap.String("booking_id", booking.ID.String()), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, booking domain.Booking, eventType domain.BookingEventType, payload map[string]any) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, domain.BookingEvent{
		BookingID: booking.ID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: s.clock.Now(),
	})
}
