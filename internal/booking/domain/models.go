package domain

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ServiceType identifies the kind of provider a booking is for.
type ServiceType string

const (
	ServiceDriver    ServiceType = "driver"
	ServiceCaretaker ServiceType = "caretaker"
	ServiceShuttle   ServiceType = "shuttle"
)

// Valid reports whether the service type is one of the supported kinds.
func (s ServiceType) Valid() bool {
	switch s {
	case ServiceDriver, ServiceCaretaker, ServiceShuttle:
		return true
	}
	return false
}

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	StatusPending    BookingStatus = "pending"
	StatusAccepted   BookingStatus = "accepted"
	StatusInProgress BookingStatus = "in_progress"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
	StatusExpired    BookingStatus = "expired"
)

// PaymentStatus tracks the payment side of a booking.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

var allowedTransitions = map[BookingStatus][]BookingStatus{
	StatusPending:    {StatusAccepted, StatusExpired, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusExpired:    {StatusPending},
}

// CanTransitionTo reports whether the state machine allows moving to next.
// completed and cancelled are terminal and have no outgoing transitions.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks the coordinates are finite and in range.
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return &ValidationError{Field: "coordinates", Reason: "must be numeric"}
	}
	if p.Lat < -90 || p.Lat > 90 {
		return &ValidationError{Field: "latitude", Reason: "must be between -90 and 90"}
	}
	if p.Lng < -180 || p.Lng > 180 {
		return &ValidationError{Field: "longitude", Reason: "must be between -180 and 180"}
	}
	return nil
}

// Vehicle describes a provider's vehicle, surfaced to the customer only.
type Vehicle struct {
	Type  string `json:"type"`
	Make  string `json:"make"`
	Model string `json:"model"`
}

// ProviderAvailability is the read-only matching input owned by the
// provider-profile subsystem.
type ProviderAvailability struct {
	ID          uuid.UUID
	Name        string
	Rating      float64
	ServiceType ServiceType
	Location    GeoPoint
	Active      bool
	Verified    bool
	Available   bool
	Vehicle     *Vehicle
}

// Eligible reports whether the provider can receive bookings of the given
// service type right now.
func (p ProviderAvailability) Eligible(serviceType ServiceType) bool {
	return p.ServiceType == serviceType && p.Active && p.Verified && p.Available
}

// Candidate is a nearby eligible provider returned by the geo index.
type Candidate struct {
	ProviderID uuid.UUID `json:"id"`
	DistanceKm float64   `json:"distance"`
	Name       string    `json:"name"`
	Rating     float64   `json:"rating"`
	Vehicle    *Vehicle  `json:"vehicle,omitempty"`
}

// Booking is the single shared mutable record of the matching core.
type Booking struct {
	ID             uuid.UUID
	ReferenceID    string
	CustomerID     uuid.UUID
	ProviderID     *uuid.UUID
	ServiceType    ServiceType
	Status         BookingStatus
	Pickup         GeoPoint
	Dropoff        *GeoPoint
	FareAmount     float64
	PaymentMethod  string
	PaymentStatus  PaymentStatus
	Notes          string
	ExpirationTime time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

// BookingDraft carries the caller-supplied fields of a new booking. The store
// assigns identity, reference id and timestamps.
type BookingDraft struct {
	CustomerID     uuid.UUID
	ProviderID     *uuid.UUID
	ServiceType    ServiceType
	Pickup         GeoPoint
	Dropoff        *GeoPoint
	FareAmount     float64
	PaymentMethod  string
	Notes          string
	ExpirationTime time.Time
}

// TransitionExtra carries fields applied together with a status transition.
type TransitionExtra struct {
	ExpirationTime *time.Time
	ProviderID     *uuid.UUID
}

// Store is the durable booking record. CompareAndTransition is the only legal
// way to change Status: it succeeds only when the stored status equals
// expected, otherwise it is a no-op returning false.
type Store interface {
	Create(ctx context.Context, draft BookingDraft) (Booking, error)
	Get(ctx context.Context, id uuid.UUID) (Booking, error)
	GetByReference(ctx context.Context, ref string) (Booking, error)
	CompareAndTransition(ctx context.Context, id uuid.UUID, expected, next BookingStatus, extra *TransitionExtra) (bool, error)
	DuePending(ctx context.Context, now time.Time, limit int) ([]Booking, error)
	SetPaymentStatus(ctx context.Context, id uuid.UUID, status PaymentStatus) error
}

// NewReferenceID derives a short human-facing booking reference from a UUID.
// Collisions are rare but routine; callers retry on uniqueness conflicts.
func NewReferenceID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:8])
}

// Notification is the payload handed to the external dispatcher.
type Notification struct {
	UserID        uuid.UUID `json:"user_id"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	Type          string    `json:"type"`
	ReferenceID   string    `json:"reference_id"`
	ReferenceType string    `json:"reference_type"`
	Priority      string    `json:"priority"`
	ActionURL     string    `json:"action_url,omitempty"`
}

// NotificationDispatcher delivers notifications. Failures are logged and
// swallowed by callers; delivery is best-effort.
type NotificationDispatcher interface {
	Create(ctx context.Context, n Notification) error
}

// BookingEventType names a lifecycle event.
type BookingEventType string

const (
	EventBookingRequested BookingEventType = "BookingRequested"
	EventBookingAccepted  BookingEventType = "BookingAccepted"
	EventBookingStarted   BookingEventType = "BookingStarted"
	EventBookingCompleted BookingEventType = "BookingCompleted"
	EventBookingCancelled BookingEventType = "BookingCancelled"
	EventBookingExpired   BookingEventType = "BookingExpired"
	EventBookingRetried   BookingEventType = "BookingRetried"
)

// BookingEvent is published on every lifecycle change.
type BookingEvent struct {
	BookingID uuid.UUID        `json:"booking_id"`
	Type      BookingEventType `json:"type"`
	Payload   map[string]any   `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// EventPublisher emits booking lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event BookingEvent) error
}

// WalletLedger is the external ledger collaborator. The core only triggers
// debits and credits; it does not own ledger invariants.
type WalletLedger interface {
	Debit(ctx context.Context, userID uuid.UUID, amount float64, referenceID, referenceType, description string) error
	Credit(ctx context.Context, userID uuid.UUID, amount float64, referenceID, referenceType, description string) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
