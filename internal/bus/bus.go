// Package bus is the in-process publish/subscribe fabric standing in for
// the request queue, per-client result channel, broadcast event channels,
// and persistence outbound queue described in the engine's external
// interface contract. It wraps watermill's gochannel Pub/Sub (the same
// library the wider pack already depends on for its own event bus)
// behind a small typed facade so the dispatcher's only I/O contract is
// "publish a message.Message on a named topic" — trivially replaceable by
// a broker-backed watermill Pub/Sub without touching dispatcher code.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CommandsTopic is where inbound command envelopes are published.
const CommandsTopic = "commands"

// PersistenceTopic is where TRADE_ADDED/ORDER_UPDATE records are published.
const PersistenceTopic = "persistence"

// Bus is the typed facade over one gochannel Pub/Sub instance.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New creates a Bus backed by a non-persistent gochannel Pub/Sub whose
// subscriber output channels buffer up to 64 messages — matching the teacher's own channel-based client message
// hand-off, generalized to named topics.
func New() *Bus {
	logger := watermill.NewStdLogger(false, false)
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
			Persistent:          false,
		}, logger),
	}
}

// Close shuts down every subscription and the underlying Pub/Sub.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// PublishCommand publishes an envelope-shaped payload onto the commands
// topic. payload is already-encoded JSON (the caller owns encoding so
// the gateway and in-process callers share one path).
func (b *Bus) PublishCommand(payload []byte) error {
	return b.publish(CommandsTopic, payload)
}

// Commands subscribes to the commands topic. Only the dispatcher's
// single consumer loop should call this.
func (b *Bus) Commands(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, CommandsTopic)
}

// ResultTopic is the per-client result topic name for clientID.
func ResultTopic(clientID string) string { return "result." + clientID }

// DepthTopic is the broadcast depth-delta topic name for market.
func DepthTopic(market string) string { return "depth." + market }

// TradeTopic is the broadcast trade-tape topic name for market.
func TradeTopic(market string) string { return "trade." + market }

// UserTradesTopic is the per-user own-trade topic name for userID.
func UserTradesTopic(userID string) string { return "userTrades." + userID }

// PublishResult publishes v (JSON-encoded) to the requesting client's
// result topic. Per §7's propagation policy, a failure here is retried
// once before being logged and dropped — the client's one guaranteed
// result per command is still best-effort once the bus itself is broken.
func (b *Bus) PublishResult(clientID string, v any) {
	b.publishJSON(ResultTopic(clientID), v, true)
}

// PublishDepth publishes a depth delta to depth@<market>. Broadcast
// delivery is best-effort and never retried.
func (b *Bus) PublishDepth(market string, v any) {
	b.publishJSON(DepthTopic(market), v, false)
}

// PublishTrade publishes a trade-tape record to trade@<market>.
func (b *Bus) PublishTrade(market string, v any) {
	b.publishJSON(TradeTopic(market), v, false)
}

// PublishUserTrade publishes a per-user fill record to userTrades@<user_id>.
func (b *Bus) PublishUserTrade(userID string, v any) {
	b.publishJSON(UserTradesTopic(userID), v, false)
}

// PublishPersistence publishes a TRADE_ADDED/ORDER_UPDATE record to the
// persistence topic.
func (b *Bus) PublishPersistence(v any) {
	b.publishJSON(PersistenceTopic, v, false)
}

// Subscribe subscribes to an arbitrary topic; the gateway uses it to relay
// a client's result topic back to that client.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

func (b *Bus) publishJSON(topic string, v any, retryOnce bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("bus: failed to encode message")
		return
	}
	if err := b.publish(topic, payload); err != nil {
		if retryOnce {
			if err2 := b.publish(topic, payload); err2 == nil {
				return
			}
		}
		log.Error().Err(err).Str("topic", topic).Msg("bus: publish failed, dropping")
	}
}

func (b *Bus) publish(topic string, payload []byte) error {
	msg := message.NewMessage(uuid.New().String(), payload)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", topic, err)
	}
	return nil
}
