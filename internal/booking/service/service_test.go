package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/rydo/internal/booking/domain"
	"github.com/example/rydo/internal/booking/geo"
	"github.com/example/rydo/internal/booking/scheduler"
	"github.com/example/rydo/internal/booking/service"
	"github.com/example/rydo/internal/booking/store"
	"github.com/example/rydo/internal/notify"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.BookingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Events() []domain.BookingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.BookingEvent(nil), p.events...)
}

type ledgerEntry struct {
	op     string
	userID uuid.UUID
	amount float64
}

type recordingLedger struct {
	mu      sync.Mutex
	entries []ledgerEntry
}

func (l *recordingLedger) Debit(_ context.Context, userID uuid.UUID, amount float64, _, _, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, ledgerEntry{op: "debit", userID: userID, amount: amount})
	return nil
}

func (l *recordingLedger) Credit(_ context.Context, userID uuid.UUID, amount float64, _, _, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, ledgerEntry{op: "credit", userID: userID, amount: amount})
	return nil
}

func (l *recordingLedger) Entries() []ledgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledgerEntry(nil), l.entries...)
}

type fixture struct {
	svc        *service.Service
	store      *store.MemoryStore
	index      *geo.MemoryIndex
	sweeper    *scheduler.Sweeper
	dispatcher *notify.MemoryDispatcher
	publisher  *recordingPublisher
	ledger     *recordingLedger
	clock      *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0).UTC()}
	bookings := store.NewMemoryStore(clock)
	index := geo.NewMemoryIndex()
	dispatcher := notify.NewMemoryDispatcher()
	publisher := &recordingPublisher{}
	ledger := &recordingLedger{}
	sweeper := scheduler.NewSweeper(bookings, dispatcher, publisher, clock, nil, scheduler.Config{})
	svc := service.New(bookings, index, sweeper, service.Options{
		Notifier:    dispatcher,
		Events:      publisher,
		Wallet:      ledger,
		Idempotency: store.NewMemoryIdempotency(),
		Clock:       clock,
	})
	return &fixture{
		svc:        svc,
		store:      bookings,
		index:      index,
		sweeper:    sweeper,
		dispatcher: dispatcher,
		publisher:  publisher,
		ledger:     ledger,
		clock:      clock,
	}
}

func (f *fixture) addProvider(t *testing.T, serviceType domain.ServiceType, lat, lng float64) domain.ProviderAvailability {
	t.Helper()
	provider := domain.ProviderAvailability{
		ID:          uuid.New(),
		Name:        "provider",
		Rating:      4.7,
		ServiceType: serviceType,
		Location:    domain.GeoPoint{Lat: lat, Lng: lng},
		Active:      true,
		Verified:    true,
		Available:   true,
	}
	require.NoError(t, f.index.Upsert(context.Background(), provider))
	return provider
}

var pickup = domain.GeoPoint{Lat: 12.9716, Lng: 77.5946}

func bookingRequest() service.RequestBookingRequest {
	return service.RequestBookingRequest{
		CustomerID:    uuid.New(),
		ServiceType:   domain.ServiceDriver,
		Pickup:        pickup,
		FareAmount:    180,
		PaymentMethod: "wallet",
	}
}

func TestRequestBookingValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*service.RequestBookingRequest)
	}{
		{"missing customer", func(r *service.RequestBookingRequest) { r.CustomerID = uuid.Nil }},
		{"bad service type", func(r *service.RequestBookingRequest) { r.ServiceType = "boat" }},
		{"bad latitude", func(r *service.RequestBookingRequest) { r.Pickup.Lat = 95 }},
		{"bad dropoff", func(r *service.RequestBookingRequest) {
			r.Dropoff = &domain.GeoPoint{Lat: 0, Lng: 999}
		}},
		{"negative fare", func(r *service.RequestBookingRequest) { r.FareAmount = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := bookingRequest()
			tc.mutate(&req)
			_, err := f.svc.RequestBooking(ctx, "", req)
			var validation *domain.ValidationError
			require.ErrorAs(t, err, &validation)
		})
	}
}

func TestRequestBookingBroadcastsToCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	near := f.addProvider(t, domain.ServiceDriver, 12.9824, 77.5946)
	far := f.addProvider(t, domain.ServiceDriver, 12.9914, 77.5946)
	f.addProvider(t, domain.ServiceShuttle, 12.9724, 77.5946)

	result, err := f.svc.RequestBooking(ctx, "idem-1", bookingRequest())
	require.NoError(t, err)
	booking := result.Booking
	require.Equal(t, domain.StatusPending, booking.Status)
	require.Equal(t, f.clock.Now().Add(service.DefaultAcceptanceWindow), booking.ExpirationTime)
	require.NotNil(t, booking.ProviderID)
	require.Equal(t, near.ID, *booking.ProviderID)
	require.Len(t, result.Candidates, 2)
	require.Equal(t, near.ID, result.Candidates[0].ProviderID)
	require.Equal(t, far.ID, result.Candidates[1].ProviderID)

	sent := f.dispatcher.Sent()
	require.Len(t, sent, 2)
	require.ElementsMatch(t, []uuid.UUID{near.ID, far.ID}, []uuid.UUID{sent[0].UserID, sent[1].UserID})
	require.Equal(t, "booking_request", sent[0].Type)

	events := f.publisher.Events()
	require.Len(t, events, 1)
	require.Equal(t, domain.EventBookingRequested, events[0].Type)

	// Same idempotency key returns the same booking instead of a new one.
	again, err := f.svc.RequestBooking(ctx, "idem-1", bookingRequest())
	require.NoError(t, err)
	require.Equal(t, booking.ID, again.Booking.ID)
}

func TestRequestBookingNoCandidatesStillBooks(t *testing.T) {
	f := newFixture(t)
	result, err := f.svc.RequestBooking(context.Background(), "", bookingRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, result.Booking.Status)
	require.Nil(t, result.Booking.ProviderID)
	require.Empty(t, result.Candidates)
}

func TestRequestBookingSurvivesNotifierFailure(t *testing.T) {
	f := newFixture(t)
	f.addProvider(t, domain.ServiceDriver, 12.9824, 77.5946)
	f.dispatcher.Err = errors.New("nats down")

	result, err := f.svc.RequestBooking(context.Background(), "", bookingRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, result.Booking.Status)
	require.Len(t, result.Candidates, 1)
}

func TestCheckStatusLazyExpirationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.RequestBooking(ctx, "", bookingRequest())
	require.NoError(t, err)
	f.sweeper.Disarm(result.Booking.ID)
	f.clock.Advance(service.DefaultAcceptanceWindow + time.Second)

	for i := 0; i < 3; i++ {
		booking, err := f.svc.CheckStatus(ctx, result.Booking.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusExpired, booking.Status)
	}

	expired := 0
	for _, n := range f.dispatcher.Sent() {
		if n.Type == "booking_expired" {
			expired++
		}
	}
	require.Equal(t, 1, expired)
}

func TestCheckStatusUnknownBooking(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CheckStatus(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRetryPreconditions(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, f *fixture, id uuid.UUID)
	}{
		{"pending", func(*testing.T, *fixture, uuid.UUID) {}},
		{"accepted", func(t *testing.T, f *fixture, id uuid.UUID) {
			providerID := uuid.New()
			_, err := f.svc.Accept(context.Background(), id, providerID)
			require.NoError(t, err)
		}},
		{"completed", func(t *testing.T, f *fixture, id uuid.UUID) {
			providerID := uuid.New()
			ctx := context.Background()
			_, err := f.svc.Accept(ctx, id, providerID)
			require.NoError(t, err)
			_, err = f.svc.Start(ctx, id)
			require.NoError(t, err)
			_, err = f.svc.Complete(ctx, id)
			require.NoError(t, err)
		}},
		{"cancelled", func(t *testing.T, f *fixture, id uuid.UUID) {
			_, err := f.svc.Cancel(context.Background(), id)
			require.NoError(t, err)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			result, err := f.svc.RequestBooking(context.Background(), "", bookingRequest())
			require.NoError(t, err)
			f.sweeper.Disarm(result.Booking.ID)
			tc.setup(t, f, result.Booking.ID)

			_, err = f.svc.Retry(context.Background(), result.Booking.ID)
			require.ErrorIs(t, err, domain.ErrInvalidState)
		})
	}
}

func TestRetryReopensExpiredBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProvider(t, domain.ServiceDriver, 12.9824, 77.5946)

	result, err := f.svc.RequestBooking(ctx, "", bookingRequest())
	require.NoError(t, err)
	f.sweeper.Disarm(result.Booking.ID)
	firstDeadline := result.Booking.ExpirationTime

	f.clock.Advance(service.DefaultAcceptanceWindow + time.Minute)
	won, err := f.sweeper.Expire(ctx, result.Booking.ID, scheduler.SourceSweep)
	require.NoError(t, err)
	require.True(t, won)

	retried, err := f.svc.Retry(ctx, result.Booking.ID)
	require.NoError(t, err)
	f.sweeper.Disarm(retried.ID)
	require.Equal(t, domain.StatusPending, retried.Status)
	require.True(t, retried.ExpirationTime.After(firstDeadline))
	require.Equal(t, f.clock.Now().Add(service.DefaultAcceptanceWindow), retried.ExpirationTime)

	var types []domain.BookingEventType
	for _, e := range f.publisher.Events() {
		types = append(types, e.Type)
	}
	require.Contains(t, types, domain.EventBookingRetried)

	// Candidates get notified again for the new episode.
	requests := 0
	for _, n := range f.dispatcher.Sent() {
		if n.Type == "booking_request" {
			requests++
		}
	}
	require.Equal(t, 2, requests)
}

func TestConcurrentRetrySingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.RequestBooking(ctx, "", bookingRequest())
	require.NoError(t, err)
	f.sweeper.Disarm(result.Booking.ID)
	f.clock.Advance(service.DefaultAcceptanceWindow + time.Minute)
	won, err := f.sweeper.Expire(ctx, result.Booking.ID, scheduler.SourceSweep)
	require.NoError(t, err)
	require.True(t, won)

	const attempts = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Retry(ctx, result.Booking.ID); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				require.ErrorIs(t, err, domain.ErrInvalidState)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)

	booking, err := f.store.Get(ctx, result.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, booking.Status)
	f.sweeper.Disarm(booking.ID)
}

func TestAcceptBindsFirstProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProvider(t, domain.ServiceDriver, 12.9824, 77.5946)

	result, err := f.svc.RequestBooking(ctx, "", bookingRequest())
	require.NoError(t, err)

	winner := uuid.New()
	accepted, err := f.svc.Accept(ctx, result.Booking.ID, winner)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.ProviderID)
	require.Equal(t, winner, *accepted.ProviderID)

	// Second provider is too late.
	_, err = f.svc.Accept(ctx, result.Booking.ID, uuid.New())
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := f.store.Get(ctx, result.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, winner, *got.ProviderID)

	accepts := 0
	for _, n := range f.dispatcher.Sent() {
		if n.Type == "booking_accepted" {
			accepts++
		}
	}
	require.Equal(t, 1, accepts)
}

func TestAcceptVersusExpireSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.RequestBooking(ctx, "", bookingRequest())
	require.NoError(t, err)
	f.sweeper.Disarm(result.Booking.ID)
	f.clock.Advance(service.DefaultAcceptanceWindow + time.Second)

	providerID := uuid.New()
	var wg sync.WaitGroup
	var acceptErr error
	var expireWon bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, acceptErr = f.svc.Accept(ctx, result.Booking.ID, providerID)
	}()
	go func() {
		defer wg.Done()
		var err error
		expireWon, err = f.sweeper.Expire(ctx, result.Booking.ID, scheduler.SourceTimer)
		require.NoError(t, err)
	}()
	wg.Wait()

	booking, err := f.store.Get(ctx, result.Booking.ID)
	require.NoError(t, err)
	if expireWon {
		require.ErrorIs(t, acceptErr, domain.ErrInvalidTransition)
		require.Equal(t, domain.StatusExpired, booking.Status)
	} else {
		require.NoError(t, acceptErr)
		require.Equal(t, domain.StatusAccepted, booking.Status)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.RequestBooking(ctx, "", bookingRequest())
	require.NoError(t, err)
	cancelled, err := f.svc.Cancel(ctx, result.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)

	// Terminal states cannot be cancelled again.
	_, err = f.svc.Cancel(ctx, result.Booking.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestLifecycleAndPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.RequestBooking(ctx, "", bookingRequest())
	require.NoError(t, err)
	id := result.Booking.ID

	// start before accept is rejected
	_, err = f.svc.Start(ctx, id)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	providerID := uuid.New()
	_, err = f.svc.Accept(ctx, id, providerID)
	require.NoError(t, err)

	started, err := f.svc.Start(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, started.Status)

	completed, err := f.svc.Complete(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, completed.Status)

	paid, err := f.svc.CompletePayment(ctx, id, true)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentCompleted, paid.PaymentStatus)

	entries := f.ledger.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "debit", entries[0].op)
	require.Equal(t, completed.CustomerID, entries[0].userID)
	require.Equal(t, completed.FareAmount, entries[0].amount)
	require.Equal(t, "credit", entries[1].op)
	require.Equal(t, providerID, entries[1].userID)
}

func TestCompletePaymentFailureSkipsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.RequestBooking(ctx, "", bookingRequest())
	require.NoError(t, err)

	paid, err := f.svc.CompletePayment(ctx, result.Booking.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentFailed, paid.PaymentStatus)
	require.Empty(t, f.ledger.Entries())
}

func TestGetBookingIncludesProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	provider := f.addProvider(t, domain.ServiceDriver, 12.9824, 77.5946)

	result, err := f.svc.RequestBooking(ctx, "", bookingRequest())
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, result.Booking.ID, provider.ID)
	require.NoError(t, err)

	detail, err := f.svc.GetBooking(ctx, result.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, detail.Booking.Status)
	require.NotNil(t, detail.Provider)
	require.Equal(t, provider.ID, detail.Provider.ID)
}

func TestFindNearbyValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.FindNearby(context.Background(), service.FindNearbyRequest{
		ServiceType: "boat",
		Point:       pickup,
	})
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = f.svc.FindNearby(context.Background(), service.FindNearbyRequest{
		ServiceType: domain.ServiceDriver,
		Point:       domain.GeoPoint{Lat: 100, Lng: 0},
	})
	require.ErrorAs(t, err, &validation)
}
