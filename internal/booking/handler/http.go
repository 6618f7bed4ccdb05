package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/rydo/internal/booking/domain"
	"github.com/example/rydo/internal/booking/service"
)

// HTTP exposes the nearby-booking endpoints.
type HTTP struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewHTTP constructs the handler.
func NewHTTP(svc *service.Service, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Post("/nearby/find", h.findNearby)
	r.Post("/nearby/book", h.book)
	r.Get("/nearby/check-status/{bookingID}", h.checkStatus)
	r.Post("/nearby/retry/{bookingID}", h.retry)
	r.Get("/nearby/booking/{bookingID}", h.bookingDetail)
	r.Post("/nearby/booking/{bookingID}/accept", h.accept)
	r.Post("/nearby/booking/{bookingID}/cancel", h.cancel)
	r.Post("/nearby/booking/{bookingID}/start", h.start)
	r.Post("/nearby/booking/{bookingID}/complete", h.complete)
	r.Post("/nearby/booking/{bookingID}/payment", h.payment)
	return r
}

type findNearbyRequest struct {
	ServiceType string  `json:"service_type"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Radius      float64 `json:"radius"`
	Limit       int     `json:"limit"`
}

func (h *HTTP) findNearby(w http.ResponseWriter, r *http.Request) {
	var payload findNearbyRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, &domain.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}
	candidates, err := h.svc.FindNearby(r.Context(), service.FindNearbyRequest{
		ServiceType: domain.ServiceType(payload.ServiceType),
		Point:       domain.GeoPoint{Lat: payload.Latitude, Lng: payload.Longitude},
		RadiusKm:    payload.Radius,
		Limit:       payload.Limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": candidates})
}

type bookRequest struct {
	CustomerID       string  `json:"customer_id"`
	ServiceType      string  `json:"service_type"`
	ProviderID       string  `json:"provider_id"`
	PickupLatitude   float64 `json:"pickup_latitude"`
	PickupLongitude  float64 `json:"pickup_longitude"`
	DropoffLatitude  float64 `json:"dropoff_latitude"`
	DropoffLongitude float64 `json:"dropoff_longitude"`
	PaymentMethod    string  `json:"payment_method"`
	FareAmount       float64 `json:"fare_amount"`
	Notes            string  `json:"notes"`
}

func (h *HTTP) book(w http.ResponseWriter, r *http.Request) {
	var payload bookRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, &domain.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}
	customerID, err := uuid.Parse(payload.CustomerID)
	if err != nil {
		h.writeError(w, &domain.ValidationError{Field: "customer_id", Reason: "must be a uuid"})
		return
	}
	req := service.RequestBookingRequest{
		CustomerID:    customerID,
		ServiceType:   domain.ServiceType(payload.ServiceType),
		Pickup:        domain.GeoPoint{Lat: payload.PickupLatitude, Lng: payload.PickupLongitude},
		FareAmount:    payload.FareAmount,
		PaymentMethod: payload.PaymentMethod,
		Notes:         payload.Notes,
	}
	if payload.ProviderID != "" {
		providerID, err := uuid.Parse(payload.ProviderID)
		if err != nil {
			h.writeError(w, &domain.ValidationError{Field: "provider_id", Reason: "must be a uuid"})
			return
		}
		req.ProviderID = &providerID
	}
	if payload.DropoffLatitude != 0 || payload.DropoffLongitude != 0 {
		req.Dropoff = &domain.GeoPoint{Lat: payload.DropoffLatitude, Lng: payload.DropoffLongitude}
	}

	result, err := h.svc.RequestBooking(r.Context(), r.Header.Get("Idempotency-Key"), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"booking":    summarize(result.Booking),
		"candidates": len(result.Candidates),
	})
}

func (h *HTTP) checkStatus(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	booking, err := h.svc.CheckStatus(r.Context(), bookingID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": summarize(booking)})
}

func (h *HTTP) retry(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	booking, err := h.svc.Retry(r.Context(), bookingID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": summarize(booking)})
}

func (h *HTTP) bookingDetail(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	detail, err := h.svc.GetBooking(r.Context(), bookingID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	body := map[string]any{"booking": detailView(detail.Booking)}
	if detail.Provider != nil {
		provider := map[string]any{
			"id":     detail.Provider.ID,
			"name":   detail.Provider.Name,
			"rating": detail.Provider.Rating,
		}
		if detail.Provider.Vehicle != nil {
			provider["vehicle"] = detail.Provider.Vehicle
		}
		body["provider"] = provider
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *HTTP) accept(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	var payload struct {
		ProviderID string `json:"provider_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, &domain.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}
	providerID, err := uuid.Parse(payload.ProviderID)
	if err != nil {
		h.writeError(w, &domain.ValidationError{Field: "provider_id", Reason: "must be a uuid"})
		return
	}
	booking, err := h.svc.Accept(r.Context(), bookingID, providerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": summarize(booking)})
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Cancel)
}

func (h *HTTP) start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Start)
}

func (h *HTTP) complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Complete)
}

func (h *HTTP) payment(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, &domain.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}
	booking, err := h.svc.CompletePayment(r.Context(), bookingID, payload.Success)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": summarize(booking)})
}

func (h *HTTP) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) (domain.Booking, error)) {
	bookingID, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	booking, err := op(r.Context(), bookingID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": summarize(booking)})
}

func (h *HTTP) bookingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		h.writeError(w, &domain.ValidationError{Field: "booking_id", Reason: "must be a uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	var validation *domain.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, status, map[string]any{"error": map[string]string{"message": "internal error"}})
		return
	}
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": err.Error()}})
}

type bookingSummary struct {
	ID             uuid.UUID            `json:"id"`
	ReferenceID    string               `json:"reference_id"`
	Status         domain.BookingStatus `json:"status"`
	ServiceType    domain.ServiceType   `json:"service_type"`
	ProviderID     *uuid.UUID           `json:"provider_id,omitempty"`
	FareAmount     float64              `json:"fare_amount"`
	PaymentStatus  domain.PaymentStatus `json:"payment_status"`
	ExpirationTime time.Time            `json:"expiration_time"`
	CreatedAt      time.Time            `json:"created_at"`
}

func summarize(b domain.Booking) bookingSummary {
	return bookingSummary{
		ID:             b.ID,
		ReferenceID:    b.ReferenceID,
		Status:         b.Status,
		ServiceType:    b.ServiceType,
		ProviderID:     b.ProviderID,
		FareAmount:     b.FareAmount,
		PaymentStatus:  b.PaymentStatus,
		ExpirationTime: b.ExpirationTime,
		CreatedAt:      b.CreatedAt,
	}
}

type bookingDetailView struct {
	bookingSummary
	CustomerID    uuid.UUID        `json:"customer_id"`
	Pickup        domain.GeoPoint  `json:"pickup"`
	Dropoff       *domain.GeoPoint `json:"dropoff,omitempty"`
	PaymentMethod string           `json:"payment_method"`
	Notes         string           `json:"notes,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func detailView(b domain.Booking) bookingDetailView {
	return bookingDetailView{
		bookingSummary: summarize(b),
		CustomerID:     b.CustomerID,
		Pickup:         b.Pickup,
		Dropoff:        b.Dropoff,
		PaymentMethod:  b.PaymentMethod,
		Notes:          b.Notes,
		UpdatedAt:      b.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
