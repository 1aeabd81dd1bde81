package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

func newMockedProducer(t *testing.T) (*mocks.SyncProducer, *Producer) {
	t.Helper()
	mockProducer := mocks.NewSyncProducer(t, nil)
	return mockProducer, &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-outbox-publisher-test"),
	}
}

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	mockProducer, producer := newMockedProducer(t)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicReservationEvents {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "res-123" {
			return fmt.Errorf("expected aggregate id as key, got %q", key)
		}
		value, _ := msg.Value.Encode()
		var envelope Envelope
		if err := json.Unmarshal(value, &envelope); err != nil {
			return err
		}
		if envelope.ID != "outbox-1" || envelope.EventType != string(domain.EventReservationConfirmed) {
			return fmt.Errorf("unexpected envelope %+v", envelope)
		}
		if string(envelope.Payload) != `{"status":"CONFIRMED"}` {
			return fmt.Errorf("unexpected payload %s", envelope.Payload)
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != HeaderEventType {
			return fmt.Errorf("unexpected headers %+v", msg.Headers)
		}
		return nil
	})

	publisher := NewOutboxPublisher(producer, "")
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregateReservation,
		AggregateID:   "res-123",
		EventType:     string(domain.EventReservationConfirmed),
		Payload:       []byte(`{"status":"CONFIRMED"}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_RoutesMediaAndFixedTopic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		topic     string
		aggregate string
		want      string
	}{
		{name: "media by aggregate", aggregate: domain.AggregateMedia, want: TopicMediaEvents},
		{name: "fixed dlq topic", topic: TopicDeadLetterQueue, aggregate: domain.AggregateMedia, want: TopicDeadLetterQueue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockProducer, producer := newMockedProducer(t)
			mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
				if msg.Topic != tt.want {
					return fmt.Errorf("unexpected topic %s, want %s", msg.Topic, tt.want)
				}
				return nil
			})

			// Без AggregateID ключом становится ID записи.
			err := NewOutboxPublisher(producer, tt.topic).Publish(context.Background(), domain.OutboxMessage{
				ID:            "outbox-m",
				AggregateType: tt.aggregate,
				EventType:     "media.uploaded",
				Payload:       []byte(`{}`),
			})
			if err != nil {
				t.Fatalf("publish failed: %v", err)
			}
			if err := mockProducer.Close(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer, producer := newMockedProducer(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := NewOutboxPublisher(producer, "").Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: domain.AggregateReservation,
		AggregateID:   "res-234",
		EventType:     string(domain.EventReservationCancelled),
		Payload:       []byte(`{"status":"CANCELLED"}`),
	})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishCancelledContext(t *testing.T) {
	t.Parallel()

	mockProducer, producer := newMockedProducer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewOutboxPublisher(producer, "").Publish(ctx, domain.OutboxMessage{ID: "outbox-4"}); err == nil {
		t.Fatal("expected context error")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, "")
	if err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-3"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}
