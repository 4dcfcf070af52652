// Package notify publishes escrow and wallet lifecycle events to downstream
// consumers (mail, dashboards, analytics). Publishing never blocks or fails
// the operation that produced the event.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/escrowpay/internal/money"
	"github.com/segmentio/kafka-go"
)

// EventType names an observable event.
type EventType string

const (
	EventEscrowFunded           EventType = "escrow.funded"
	EventEscrowReleaseRequested EventType = "escrow.release_requested"
	EventEscrowReleased         EventType = "escrow.released"
	EventEscrowRefundRequested  EventType = "escrow.refund_requested"
	EventEscrowRefunded         EventType = "escrow.refunded"
	EventEscrowDisputed         EventType = "escrow.disputed"
	EventWalletCredited         EventType = "wallet.credited"
	EventWithdrawalCompleted    EventType = "withdrawal.completed"
	EventWithdrawalFailed       EventType = "withdrawal.failed"
)

// Event is the payload consumers receive.
type Event struct {
	ID           string        `json:"id"`
	Type         EventType     `json:"type"`
	EscrowID     *int64        `json:"escrowId,omitempty"`
	WithdrawalID *int64        `json:"withdrawalId,omitempty"`
	BuyerID      *int64        `json:"buyerId,omitempty"`
	SellerID     *int64        `json:"sellerId,omitempty"`
	UserID       *int64        `json:"userId,omitempty"`
	Amount       *money.Amount `json:"amount,omitempty"`
	From         string        `json:"from,omitempty"`
	To           string        `json:"to,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	OccurredAt   time.Time     `json:"occurredAt"`
}

// Key groups events of one escrow or wallet so partitioned consumers see
// them in order.
func (e *Event) Key() string {
	switch {
	case e.EscrowID != nil:
		return "escrow-" + strconv.FormatInt(*e.EscrowID, 10)
	case e.UserID != nil:
		return "user-" + strconv.FormatInt(*e.UserID, 10)
	}
	return e.ID
}

// Publisher delivers one event.
type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
	Close() error
}

// KafkaPublisher writes events as JSON to a single topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, evt *Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Key()),
		Value: value,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
	})
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log-only publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (l *LogPublisher) Publish(_ context.Context, evt *Event) error {
	l.logger.Info("notification", "type", evt.Type, "id", evt.ID, "key", evt.Key())
	return nil
}

func (l *LogPublisher) Close() error { return nil }
