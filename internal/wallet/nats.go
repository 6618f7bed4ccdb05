package wallet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/example/rydo/internal/booking/domain"
)

const defaultSubject = "wallet.commands"

type command struct {
	Op            string    `json:"op"`
	UserID        uuid.UUID `json:"user_id"`
	Amount        float64   `json:"amount"`
	ReferenceID   string    `json:"reference_id"`
	ReferenceType string    `json:"reference_type"`
	Description   string    `json:"description"`
}

// NATSLedger forwards debit and credit commands to the wallet subsystem,
// which owns all ledger invariants.
type NATSLedger struct {
	conn    *nats.Conn
	subject string
}

// NewNATSLedger builds the ledger client. A nil connection yields a no-op.
func NewNATSLedger(conn *nats.Conn, subject string) *NATSLedger {
	if subject == "" {
		subject = defaultSubject
	}
	return &NATSLedger{conn: conn, subject: subject}
}

var _ domain.WalletLedger = (*NATSLedger)(nil)

// Debit publishes a debit command for the user.
func (l *NATSLedger) Debit(ctx context.Context, userID uuid.UUID, amount float64, referenceID, referenceType, description string) error {
	return l.send(ctx, command{Op: "debit", UserID: userID, Amount: amount, ReferenceID: referenceID, ReferenceType: referenceType, Description: description})
}

// Credit publishes a credit command for the user.
func (l *NATSLedger) Credit(ctx context.Context, userID uuid.UUID, amount float64, referenceID, referenceType, description string) error {
	return l.send(ctx, command{Op: "credit", UserID: userID, Amount: amount, ReferenceID: referenceID, ReferenceType: referenceType, Description: description})
}

func (l *NATSLedger) send(_ context.Context, cmd command) error {
	if l == nil || l.conn == nil {
		return nil
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal wallet command: %w", err)
	}
	if err := l.conn.Publish(l.subject, payload); err != nil {
		return fmt.Errorf("publish wallet command: %w", err)
	}
	return nil
}
