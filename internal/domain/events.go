package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType: имя доменного события.
type EventType string

const (
	EventReservationCreated       EventType = "ReservationCreated"
	EventReservationActivated     EventType = "ReservationActivated"
	EventReservationConfirmed     EventType = "ReservationConfirmed"
	EventReservationCompleted     EventType = "ReservationCompleted"
	EventReservationCancelled     EventType = "ReservationCancelled"
	EventReservationExpired       EventType = "ReservationExpired"
	EventReservationPaymentFailed EventType = "ReservationPaymentFailed"
	EventReservationStatusChanged EventType = "ReservationStatusChanged"
	EventMediaUploaded            EventType = "MediaUploaded"
)

// ReservationEventTypes: все события резерва (для подписчиков-регистраторов).
func ReservationEventTypes() []EventType {
	return []EventType{
		EventReservationCreated,
		EventReservationActivated,
		EventReservationConfirmed,
		EventReservationCompleted,
		EventReservationCancelled,
		EventReservationExpired,
		EventReservationPaymentFailed,
		EventReservationStatusChanged,
	}
}

// Aggregate types.
const (
	AggregateReservation = "reservation"
	AggregateMedia       = "media"
)

// Event: доменное событие для in-process шины.
type Event struct {
	ID            string
	Type          EventType
	AggregateType string
	AggregateID   string
	OccurredAt    time.Time
	Payload       map[string]any
}

// NewReservationEvent собирает событие со снимком резерва; extra дополняет payload.
func NewReservationEvent(t EventType, r Reservation, now time.Time, extra map[string]any) Event {
	payload := map[string]any{
		"reservation_id":     r.ID,
		"user_id":            r.UserID,
		"product_id":         r.ProductID,
		"shop_id":            r.ShopID,
		"status":             string(r.Status),
		"reservation_amount": r.ReservationAmount,
		"remaining_amount":   r.RemainingAmount,
		"total_amount":       r.TotalAmount,
		"expiry_date":        r.ExpiryDate,
	}
	if r.CancelationReason != "" {
		payload["reason"] = r.CancelationReason
	}
	for k, v := range extra {
		payload[k] = v
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		AggregateType: AggregateReservation,
		AggregateID:   r.ID,
		OccurredAt:    now.UTC(),
		Payload:       payload,
	}
}

// NewMediaEvent собирает событие медиа-сообщения.
func NewMediaEvent(t EventType, m MediaMessage, now time.Time) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		AggregateType: AggregateMedia,
		AggregateID:   m.ID,
		OccurredAt:    now.UTC(),
		Payload: map[string]any{
			"media_id":        m.ID,
			"sender_id":       m.SenderID,
			"receiver_id":     m.ReceiverID,
			"conversation_id": m.ConversationID,
			"type":            string(m.Type),
			"status":          string(m.Status),
			"content":         m.Content,
		},
	}
}
