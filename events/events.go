// Package events publishes committed ledger mutations to NATS so other
// services (analytics, notifications, reconciliation) can follow balances
// without polling. Publishing is best-effort: a failure is logged and never
// affects the committed mutation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/warp/credit-engine/generic"
)

// TransactionCreated is the event type carried on every message.
const TransactionCreated = "ledger.transaction.created"

// Config holds the configuration for the NATS connection
type Config struct {
	URL            string
	Subject        string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
}

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// Event is the JSON payload.
type Event struct {
	Type          string                  `json:"type"`
	TransactionID generic.TransactionID   `json:"transactionId"`
	PrincipalID   generic.PrincipalID     `json:"principalId"`
	Kind          generic.TransactionKind `json:"kind"`
	Amount        generic.Amount          `json:"amount"`
	BalanceAfter  generic.Amount          `json:"balanceAfter"`
	Description   string                  `json:"description,omitempty"`
	Metadata      map[string]any          `json:"metadata,omitempty"`
	CreatedAt     time.Time               `json:"createdAt"`
}

func NewEvent(tx generic.Transaction) Event {
	return Event{
		Type:          TransactionCreated,
		TransactionID: tx.ID,
		PrincipalID:   tx.PrincipalID,
		Kind:          tx.Kind,
		Amount:        tx.Amount,
		BalanceAfter:  tx.BalanceAfter,
		Description:   tx.Description,
		Metadata:      tx.Metadata,
		CreatedAt:     tx.CreatedAt,
	}
}

type Publisher struct {
	conn    Conn
	subject string
	log     *zap.Logger
}

func NewPublisher(conn Conn, subject string, log *zap.Logger) *Publisher {
	if subject == "" {
		subject = TransactionCreated
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{conn: conn, subject: subject, log: log}
}

// Connect dials NATS with reconnect handling and returns a publisher on it.
func Connect(cfg Config, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewPublisher(nc, cfg.Subject, log), nil
}

// Publish is a generic.CommitHook. Core NATS publishes are buffered by the
// client, so this never blocks on the network.
func (p *Publisher) Publish(_ context.Context, tx generic.Transaction) {
	data, err := json.Marshal(NewEvent(tx))
	if err != nil {
		p.log.Error("Failed to encode ledger event", zap.String("transaction_id", string(tx.ID)), zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.log.Warn("Failed to publish ledger event",
			zap.String("subject", p.subject),
			zap.String("transaction_id", string(tx.ID)),
			zap.Error(err))
	}
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
