package notify

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
	"planpay.com/apps/payment/internal/domain"
)

type NatsPublisher struct {
	nc *nats.Conn
}

var _ domain.Publisher = (*NatsPublisher)(nil)

func NewNatsPublisher(url string, opts ...nats.Option) (*NatsPublisher, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsPublisher{nc: nc}, nil
}

func (p *NatsPublisher) Publish(ctx context.Context, subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	return p.nc.Publish(subject, payload)
}

func (p *NatsPublisher) Close() error {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
	return nil
}
