package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/loomworks/loom/backend/pkg/logger"
)

const (
	pubsubExchange  = "pubsub"
	canvasKeyPrefix = "canvas."
)

type envelope struct {
	Instance string `json:"instance"`
	Update   Update `json:"update"`
}

// Bridge extends hub broadcasts across server processes over a RabbitMQ
// topic exchange. Each process tags outgoing updates with its instance
// id and skips its own messages on the way back in.
type Bridge struct {
	hub        *Hub
	ch         *amqp.Channel
	instanceID string
	onRemote   func(Update)
}

func NewBridge(hub *Hub, ch *amqp.Channel) (*Bridge, error) {
	instanceID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate instance id: %w", err)
	}
	if err := ch.ExchangeDeclare(pubsubExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Bridge{hub: hub, ch: ch, instanceID: instanceID}, nil
}

// Publish delivers locally first, then forwards to the exchange so
// sessions on other processes receive the update too. A broker failure
// only degrades cross-process delivery and is logged, not returned.
func (b *Bridge) Publish(u Update) error {
	b.hub.Publish(u)

	body, err := json.Marshal(envelope{Instance: b.instanceID, Update: u})
	if err != nil {
		return fmt.Errorf("marshal update envelope: %w", err)
	}

	key := canvasKeyPrefix + u.WorkspaceID + "." + u.RootID
	err = b.ch.PublishWithContext(context.Background(), pubsubExchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		logger.Error("failed to forward update to exchange", "key", key, "error", err)
	}
	return nil
}

// OnRemote registers a callback invoked for every update that arrived
// from another process, before it reaches local sessions. The server
// uses it to bring its live canvas up to date with the durable state
// the remote change already committed. Must be set before Run.
func (b *Bridge) OnRemote(fn func(Update)) {
	b.onRemote = fn
}

// Run consumes forwarded updates until the context is cancelled. Each
// process gets its own exclusive queue bound to every canvas key.
func (b *Bridge) Run(ctx context.Context) error {
	q, err := b.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare bridge queue: %w", err)
	}
	if err := b.ch.QueueBind(q.Name, canvasKeyPrefix+"#", pubsubExchange, false, nil); err != nil {
		return fmt.Errorf("bind bridge queue: %w", err)
	}

	deliveries, err := b.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume bridge queue: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("bridge queue closed")
			}
			var env envelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				logger.Warn("dropping undecodable bridge message", "error", err)
				continue
			}
			if env.Instance == b.instanceID {
				continue
			}
			if b.onRemote != nil {
				b.onRemote(env.Update)
			}
			b.hub.Publish(env.Update)
		}
	}
}
