package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/rydo/internal/booking/domain"
	"github.com/example/rydo/internal/booking/scheduler"
	"github.com/example/rydo/internal/booking/store"
	"github.com/example/rydo/internal/notify"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

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

func pendingBooking(t *testing.T, s domain.Store, expiration time.Time) domain.Booking {
	t.Helper()
	booking, err := s.Create(context.Background(), domain.BookingDraft{
		CustomerID:     uuid.New(),
		ServiceType:    domain.ServiceDriver,
		Pickup:         domain.GeoPoint{Lat: 12.9716, Lng: 77.5946},
		ExpirationTime: expiration,
	})
	require.NoError(t, err)
	return booking
}

func TestExpireRunsSideEffectsExactlyOnce(t *testing.T) {
	clock := stubClock{t: time.Unix(1000, 0).UTC()}
	s := store.NewMemoryStore(clock)
	dispatcher := notify.NewMemoryDispatcher()
	publisher := &recordingPublisher{}
	sweeper := scheduler.NewSweeper(s, dispatcher, publisher, clock, nil, scheduler.Config{})
	ctx := context.Background()

	booking := pendingBooking(t, s, clock.Now().Add(-time.Minute))

	won, err := sweeper.Expire(ctx, booking.ID, scheduler.SourceSweep)
	require.NoError(t, err)
	require.True(t, won)

	got, err := s.Get(ctx, booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, got.Status)

	// Duplicate fires lose the transition and stay silent.
	for i := 0; i < 3; i++ {
		won, err = sweeper.Expire(ctx, booking.ID, scheduler.SourceLazy)
		require.NoError(t, err)
		require.False(t, won)
	}

	sent := dispatcher.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, booking.CustomerID, sent[0].UserID)
	require.Equal(t, "booking_expired", sent[0].Type)

	events := publisher.Events()
	require.Len(t, events, 1)
	require.Equal(t, domain.EventBookingExpired, events[0].Type)
	require.Equal(t, booking.ID, events[0].BookingID)
}

func TestExpireLeavesAcceptedBookingAlone(t *testing.T) {
	clock := stubClock{t: time.Unix(1000, 0).UTC()}
	s := store.NewMemoryStore(clock)
	sweeper := scheduler.NewSweeper(s, nil, nil, clock, nil, scheduler.Config{})
	ctx := context.Background()

	booking := pendingBooking(t, s, clock.Now().Add(-time.Minute))
	won, err := s.CompareAndTransition(ctx, booking.ID, domain.StatusPending, domain.StatusAccepted, nil)
	require.NoError(t, err)
	require.True(t, won)

	won, err = sweeper.Expire(ctx, booking.ID, scheduler.SourceTimer)
	require.NoError(t, err)
	require.False(t, won)

	got, err := s.Get(ctx, booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, got.Status)
}

func TestSweepExpiresOnlyDueBookings(t *testing.T) {
	clock := stubClock{t: time.Unix(1000, 0).UTC()}
	s := store.NewMemoryStore(clock)
	dispatcher := notify.NewMemoryDispatcher()
	sweeper := scheduler.NewSweeper(s, dispatcher, nil, clock, nil, scheduler.Config{
		SweepInterval: 10 * time.Millisecond,
		BatchSize:     10,
	})

	due := pendingBooking(t, s, clock.Now().Add(-time.Minute))
	future := pendingBooking(t, s, clock.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := s.Get(context.Background(), due.ID)
		return err == nil && got.Status == domain.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	got, err := s.Get(context.Background(), future.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)

	cancel()
	<-done
	require.Len(t, dispatcher.Sent(), 1)
}

func TestArmFiresAtDeadline(t *testing.T) {
	clock := stubClock{t: time.Unix(1000, 0).UTC()}
	s := store.NewMemoryStore(clock)
	sweeper := scheduler.NewSweeper(s, nil, nil, clock, nil, scheduler.Config{})

	booking := pendingBooking(t, s, clock.Now())
	sweeper.Arm(booking.ID, clock.Now())

	require.Eventually(t, func() bool {
		got, err := s.Get(context.Background(), booking.ID)
		return err == nil && got.Status == domain.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisarmStopsTimer(t *testing.T) {
	clock := stubClock{t: time.Unix(1000, 0).UTC()}
	s := store.NewMemoryStore(clock)
	sweeper := scheduler.NewSweeper(s, nil, nil, clock, nil, scheduler.Config{})

	booking := pendingBooking(t, s, clock.Now().Add(time.Hour))
	sweeper.Arm(booking.ID, clock.Now().Add(50*time.Millisecond))
	sweeper.Disarm(booking.ID)
	// Disarming an unknown booking is fine too.
	sweeper.Disarm(uuid.New())

	time.Sleep(100 * time.Millisecond)
	got, err := s.Get(context.Background(), booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
}
