package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Топики сервиса резервов.
const (
	TopicReservationEvents = "jms.reservation.events"
	TopicMediaEvents       = "jms.media.events"
	TopicDeadLetterQueue   = "jms.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// Envelope описывает формат сообщения, которое outbox кладёт в Kafka.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// ReservationPayload содержит поля payload событий резерва, которые нужны потребителям.
type ReservationPayload struct {
	ReservationID string `json:"reservation_id"`
	UserID        string `json:"user_id"`
	ProductID     string `json:"product_id"`
	ShopID        string `json:"shop_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	RefundAmount  *struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"refund_amount,omitempty"`
}

// TopicFor выбирает топик по типу агрегата.
func TopicFor(aggregateType string) string {
	if aggregateType == "media" {
		return TopicMediaEvents
	}
	return TopicReservationEvents
}

// ParseEnvelope разбирает сообщение, опубликованное outbox worker.
func ParseEnvelope(message *sarama.ConsumerMessage) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if envelope.EventType == "" {
		return nil, fmt.Errorf("envelope without event_type")
	}
	return &envelope, nil
}

// ReservationPayload разбирает payload события резерва.
func (e *Envelope) ReservationPayload() (ReservationPayload, error) {
	var payload ReservationPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return ReservationPayload{}, fmt.Errorf("failed to unmarshal reservation payload: %w", err)
	}
	return payload, nil
}
