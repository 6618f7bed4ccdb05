package store

import (
	"context"
	"sort"
	"sync"

	"time"

	"github.com/google/uuid"

	"github.com/example/rydo/internal/booking/domain"
)

// MemoryStore provides an in-memory Store suitable for tests and local demos.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]domain.Booking
	byRef    map[string]uuid.UUID
	clock    domain.Clock
}

// NewMemoryStore constructs an empty memory store.
func NewMemoryStore(clock domain.Clock) *MemoryStore {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryStore{
		bookings: make(map[uuid.UUID]domain.Booking),
		byRef:    make(map[string]uuid.UUID),
		clock:    clock,
	}
}

// Create assigns identity and reference id and stores the booking as pending.
func (m *MemoryStore) Create(_ context.Context, draft domain.BookingDraft) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := domain.NewReferenceID()
	for {
		if _, taken := m.byRef[ref]; !taken {
			break
		}
		ref = domain.NewReferenceID()
	}

	now := m.clock.Now()
	booking := domain.Booking{
		ID:             uuid.New(),
		ReferenceID:    ref,
		CustomerID:     draft.CustomerID,
		ProviderID:     draft.ProviderID,
		ServiceType:    draft.ServiceType,
		Status:         domain.StatusPending,
		Pickup:         draft.Pickup,
		Dropoff:        draft.Dropoff,
		FareAmount:     draft.FareAmount,
		PaymentMethod:  draft.PaymentMethod,
		PaymentStatus:  domain.PaymentPending,
		Notes:          draft.Notes,
		ExpirationTime: draft.ExpirationTime,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	m.bookings[booking.ID] = booking
	m.byRef[ref] = booking.ID
	return booking, nil
}

// Get retrieves a booking by id.
func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	return booking, nil
}

// GetByReference retrieves a booking by its human-facing reference.
func (m *MemoryStore) GetByReference(_ context.Context, ref string) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRef[ref]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	return m.bookings[id], nil
}

// CompareAndTransition applies next and extra only when the stored status
// equals expected. A false return with nil error means another transition won.
func (m *MemoryStore) CompareAndTransition(_ context.Context, id uuid.UUID, expected, next domain.BookingStatus, extra *domain.TransitionExtra) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if booking.Status != expected {
		return false, nil
	}
	booking.Status = next
	if extra != nil {
		if extra.ExpirationTime != nil {
			booking.ExpirationTime = *extra.ExpirationTime
		}
		if extra.ProviderID != nil {
			booking.ProviderID = extra.ProviderID
		}
	}
	booking.UpdatedAt = m.clock.Now()
	booking.Version++
	m.bookings[id] = booking
	return true, nil
}

// DuePending returns pending bookings whose deadline has passed, oldest first.
func (m *MemoryStore) DuePending(_ context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []domain.Booking
	for _, booking := range m.bookings {
		if booking.Status == domain.StatusPending && !booking.ExpirationTime.After(now) {
			due = append(due, booking)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpirationTime.Before(due[j].ExpirationTime) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// SetPaymentStatus updates the payment side of the booking.
func (m *MemoryStore) SetPaymentStatus(_ context.Context, id uuid.UUID, status domain.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.ErrNotFound
	}
	booking.PaymentStatus = status
	booking.UpdatedAt = m.clock.Now()
	booking.Version++
	m.bookings[id] = booking
	return nil
}
