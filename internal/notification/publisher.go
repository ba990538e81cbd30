// Package notification publishes trade and escrow lifecycle events to Kafka.
// Delivery is fire-and-forget: publish failures are logged and never block
// or fail the matching and escrow paths.
package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Neocreb/eloity-trading/internal/escrow"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

// Config locates the broker and topic.
type Config struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// Publisher writes events to a single topic, keyed by trade id so one
// trade's events stay ordered.
type Publisher struct {
	logger *zap.Logger
	writer *kafka.Writer
}

// NewPublisher creates a Kafka-backed publisher.
func NewPublisher(logger *zap.Logger, cfg Config) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
	}
	p := &Publisher{logger: logger, writer: w}
	w.Completion = func(messages []kafka.Message, err error) {
		if err != nil {
			p.logger.Warn("event publish failed", zap.Int("messages", len(messages)), zap.Error(err))
		}
	}
	return p
}

// EscrowEvent implements the escrow notifier contract.
func (p *Publisher) EscrowEvent(ctx context.Context, ev escrow.Event) {
	p.publish(ctx, ev.TradeID.String(), ev)
}

// TradeExecuted announces a new trade.
func (p *Publisher) TradeExecuted(ctx context.Context, trade *models.Trade) {
	p.publish(ctx, trade.ID.String(), map[string]any{
		"kind":      "trade.executed",
		"trade_id":  trade.ID,
		"pair":      trade.Pair,
		"quantity":  trade.Quantity,
		"price":     trade.Price,
		"buyer_id":  trade.BuyerID,
		"seller_id": trade.SellerID,
		"at":        trade.CreatedAt,
	})
}

func (p *Publisher) publish(ctx context.Context, key string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("event encode failed", zap.Error(err))
		return
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: raw}); err != nil {
		p.logger.Warn("event publish failed", zap.String("key", key), zap.Error(err))
	}
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
