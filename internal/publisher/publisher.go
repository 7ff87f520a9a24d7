// Package publisher emits reconciliation outcomes for downstream
// collaborators (email, provisioning) that consume them asynchronously.
package publisher

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// Subjects for reconciliation outcome messages.
const (
	SubjectSubscriptionReconciled = "billing.subscription.reconciled"
	SubjectPaymentReconciled      = "billing.payment.reconciled"
)

// Publisher emits a JSON message on a subject. Publishing is
// best-effort; reconciliation never fails because a consumer is down.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// NATSPublisher publishes over a NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher connects to the given NATS URL.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("meridian"))
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.nc.Publish(subject, data)
}

// Close drains the connection, flushing buffered messages.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// Noop discards all messages. Used in tests and NATS-less deployments.
type Noop struct{}

func (Noop) Publish(ctx context.Context, subject string, payload any) error {
	return nil
}
