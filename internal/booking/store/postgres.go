package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/rydo/internal/booking/domain"
)

const uniqueViolation = "23505"

// referenceRetries bounds the create loop on reference id conflicts. The id
// space makes collisions rare; the unique constraint makes them harmless.
const referenceRetries = 5

// PostgresStore is the durable Store backend.
type PostgresStore struct {
	db    *sql.DB
	clock domain.Clock
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB, clock domain.Clock) *PostgresStore {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &PostgresStore{db: db, clock: clock}
}

// EnsureSchema creates the bookings table if it does not exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS bookings (
id UUID PRIMARY KEY,
reference_id TEXT NOT NULL UNIQUE,
customer_id UUID NOT NULL,
provider_id UUID,
service_type TEXT NOT NULL,
status TEXT NOT NULL,
pickup_lat DOUBLE PRECISION NOT NULL,
pickup_lng DOUBLE PRECISION NOT NULL,
dropoff_lat DOUBLE PRECISION,
dropoff_lng DOUBLE PRECISION,
fare_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
payment_method TEXT NOT NULL DEFAULT '',
payment_status TEXT NOT NULL DEFAULT 'pending',
notes TEXT NOT NULL DEFAULT '',
expiration_time TIMESTAMPTZ NOT NULL,
created_at TIMESTAMPTZ NOT NULL,
updated_at TIMESTAMPTZ NOT NULL,
version BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS bookings_due_idx ON bookings (expiration_time) WHERE status = 'pending'`
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Create inserts a pending booking, retrying on reference id conflicts.
func (p *PostgresStore) Create(ctx context.Context, draft domain.BookingDraft) (domain.Booking, error) {
	now := p.clock.Now()
	booking := domain.Booking{
		ID:             uuid.New(),
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

	var lastErr error
	for attempt := 0; attempt < referenceRetries; attempt++ {
		booking.ReferenceID = domain.NewReferenceID()
		err := p.insert(ctx, booking)
		if err == nil {
			return booking, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			lastErr = err
			continue
		}
		return domain.Booking{}, fmt.Errorf("insert booking: %w", err)
	}
	return domain.Booking{}, fmt.Errorf("insert booking: reference id conflicts exhausted: %w", lastErr)
}

func (p *PostgresStore) insert(ctx context.Context, b domain.Booking) error {
	var dropLat, dropLng sql.NullFloat64
	if b.Dropoff != nil {
		dropLat = sql.NullFloat64{Float64: b.Dropoff.Lat, Valid: true}
		dropLng = sql.NullFloat64{Float64: b.Dropoff.Lng, Valid: true}
	}
	var providerID any
	if b.ProviderID != nil {
		providerID = *b.ProviderID
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings
(id, reference_id, customer_id, provider_id, service_type, status,
 pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
 fare_amount, payment_method, payment_status, notes,
 expiration_time, created_at, updated_at, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		b.ID, b.ReferenceID, b.CustomerID, providerID, b.ServiceType, b.Status,
		b.Pickup.Lat, b.Pickup.Lng, dropLat, dropLng,
		b.FareAmount, b.PaymentMethod, b.PaymentStatus, b.Notes,
		b.ExpirationTime, b.CreatedAt, b.UpdatedAt, b.Version)
	return err
}

// Get retrieves a booking by id.
func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	row := p.db.QueryRowContext(ctx, selectBooking+` WHERE id = $1`, id)
	return scanBooking(row)
}

// GetByReference retrieves a booking by reference id.
func (p *PostgresStore) GetByReference(ctx context.Context, ref string) (domain.Booking, error) {
	row := p.db.QueryRowContext(ctx, selectBooking+` WHERE reference_id = $1`, ref)
	return scanBooking(row)
}

// CompareAndTransition performs the status CAS in a single UPDATE guarded by
// the expected status. Zero rows affected means another transition won.
func (p *PostgresStore) CompareAndTransition(ctx context.Context, id uuid.UUID, expected, next domain.BookingStatus, extra *domain.TransitionExtra) (bool, error) {
	var newExpiration any
	var newProvider any
	if extra != nil {
		if extra.ExpirationTime != nil {
			newExpiration = *extra.ExpirationTime
		}
		if extra.ProviderID != nil {
			newProvider = *extra.ProviderID
		}
	}
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET
status = $1,
expiration_time = COALESCE($2, expiration_time),
provider_id = COALESCE($3, provider_id),
updated_at = $4,
version = version + 1
WHERE id = $5 AND status = $6`,
		next, newExpiration, newProvider, p.clock.Now(), id, expected)
	if err != nil {
		return false, fmt.Errorf("transition booking: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition booking: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	// Distinguish a lost CAS from an unknown id.
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// DuePending lists pending bookings whose deadline has passed, oldest first.
func (p *PostgresStore) DuePending(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	rows, err := p.db.QueryContext(ctx, selectBooking+
		` WHERE status = 'pending' AND expiration_time <= $1 ORDER BY expiration_time LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due bookings: %w", err)
	}
	defer rows.Close()
	var due []domain.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, booking)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due bookings: %w", err)
	}
	return due, nil
}

// SetPaymentStatus updates the payment side of the booking.
func (p *PostgresStore) SetPaymentStatus(ctx context.Context, id uuid.UUID, status domain.PaymentStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE bookings SET payment_status = $1, updated_at = $2, version = version + 1 WHERE id = $3`,
		status, p.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("set payment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set payment status: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const selectBooking = `SELECT id, reference_id, customer_id, provider_id, service_type, status,
pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
fare_amount, payment_method, payment_status, notes,
expiration_time, created_at, updated_at, version
FROM bookings`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (domain.Booking, error) {
	var b domain.Booking
	var providerID uuid.NullUUID
	var dropLat, dropLng sql.NullFloat64
	err := row.Scan(&b.ID, &b.ReferenceID, &b.CustomerID, &providerID, &b.ServiceType, &b.Status,
		&b.Pickup.Lat, &b.Pickup.Lng, &dropLat, &dropLng,
		&b.FareAmount, &b.PaymentMethod, &b.PaymentStatus, &b.Notes,
		&b.ExpirationTime, &b.CreatedAt, &b.UpdatedAt, &b.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Booking{}, fmt.Errorf("scan booking: %w", err)
	}
	if providerID.Valid {
		id := providerID.UUID
		b.ProviderID = &id
	}
	if dropLat.Valid && dropLng.Valid {
		b.Dropoff = &domain.GeoPoint{Lat: dropLat.Float64, Lng: dropLng.Float64}
	}
	return b, nil
}
