package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/metrics"
)

// OutboxRecorder сохраняет каждое событие в outbox для доставки в Kafka.
type OutboxRecorder struct {
	repo    domain.OutboxRepository
	metrics *metrics.Metrics
}

func NewOutboxRecorder(repo domain.OutboxRepository, m *metrics.Metrics) *OutboxRecorder {
	return &OutboxRecorder{repo: repo, metrics: m}
}

// Handle сериализует payload события вместе с id и временем.
func (r *OutboxRecorder) Handle(ctx context.Context, event domain.Event) error {
	body := make(map[string]any, len(event.Payload)+2)
	for k, v := range event.Payload {
		body[k] = v
	}
	body["event_id"] = event.ID
	body["occurred_at"] = event.OccurredAt.Format(time.RFC3339Nano)

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	if _, err := r.repo.Enqueue(ctx, domain.OutboxMessage{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     string(event.Type),
		Payload:       data,
	}); err != nil {
		return fmt.Errorf("enqueue outbox message: %w", err)
	}
	r.metrics.RecordOutboxEvent()
	return nil
}

// TimelineRecorder ведёт audit trail резерва.
type TimelineRecorder struct {
	repo    domain.TimelineRepository
	metrics *metrics.Metrics
}

func NewTimelineRecorder(repo domain.TimelineRepository, m *metrics.Metrics) *TimelineRecorder {
	return &TimelineRecorder{repo: repo, metrics: m}
}

// Handle пишет запись только для событий резерва.
func (r *TimelineRecorder) Handle(ctx context.Context, event domain.Event) error {
	if event.AggregateType != domain.AggregateReservation {
		return nil
	}

	entry := domain.TimelineEvent{
		ReservationID: event.AggregateID,
		Type:          string(event.Type),
		Occurred:      event.OccurredAt,
	}
	if status, ok := event.Payload["status"].(string); ok {
		entry.Status = domain.ReservationStatus(status)
	}
	if reason, ok := event.Payload["reason"].(string); ok {
		entry.Reason = reason
	}

	if err := r.repo.Append(ctx, entry); err != nil {
		return fmt.Errorf("append timeline event: %w", err)
	}
	r.metrics.RecordTimelineEvent()
	return nil
}

// MetricsRecorder считает опубликованные события по типу.
func MetricsRecorder(m *metrics.Metrics) Handler {
	return func(_ context.Context, event domain.Event) error {
		m.RecordEvent(string(event.Type))
		return nil
	}
}

// Recorders содержит набор подписчиков, которые сервис вешает на шину при старте.
type Recorders struct {
	Outbox   domain.OutboxRepository
	Timeline domain.TimelineRepository
	Metrics  *metrics.Metrics
}

// Register подписывает регистраторы на все события.
func (rs Recorders) Register(bus *Bus) {
	if rs.Outbox != nil {
		bus.SubscribeAll(NewOutboxRecorder(rs.Outbox, rs.Metrics).Handle)
	}
	if rs.Timeline != nil {
		bus.SubscribeAll(NewTimelineRecorder(rs.Timeline, rs.Metrics).Handle)
	}
	if rs.Metrics != nil {
		bus.SubscribeAll(MetricsRecorder(rs.Metrics))
	}
}
