package submitter

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// Message bus subjects for durable transaction replay.
const (
	SubjectDurableTxs    = "antegen.durable_txs"
	SubjectDurableTxsDLQ = "antegen.durable_txs.dlq"
)

// Subscription is a cancelable bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the at-least-once message bus behind durable replay.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	Close()
}

// natsBus is the default Bus backend.
type natsBus struct {
	conn *nats.Conn
}

// ConnectBus dials the NATS server.
func ConnectBus(url string) (Bus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to message bus: %w", err)
	}
	return &natsBus{conn: conn}, nil
}

func (b *natsBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *natsBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *natsBus) Close() {
	b.conn.Close()
}
