package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/messaging/kafka"
)

// maxSeen ограничивает память под id обработанных событий.
const maxSeen = 10000

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jms_notifications_total",
	Help: "Total number of notifications handed to the notifier grouped by event type and result",
}, []string{"event_type", "result"})

// Notification описывает одно сообщение получателю.
type Notification struct {
	RecipientID string
	EventType   string
	Subject     string
	Body        string
	EntityID    string
}

// Notifier доставляет уведомление. Реальные каналы (email, SMS) подключаются отдельно.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier пишет уведомления в лог.
type LogNotifier struct {
	logger *log.Entry
}

func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.WithField("component", "notifier")
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Notification) error {
	n.logger.WithFields(log.Fields{
		"recipient":  msg.RecipientID,
		"event_type": msg.EventType,
		"entity_id":  msg.EntityID,
		"subject":    msg.Subject,
	}).Info(msg.Body)
	return nil
}

// Dispatcher превращает события из Kafka в уведомления.
// Повторная доставка одного события отсекается по id конверта.
type Dispatcher struct {
	notifier Notifier
	logger   *log.Entry

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewDispatcher(notifier Notifier, logger *log.Entry) *Dispatcher {
	if logger == nil {
		logger = log.WithField("component", "notify-dispatcher")
	}
	return &Dispatcher{
		notifier: notifier,
		logger:   logger,
		seen:     make(map[string]struct{}),
	}
}

// Handle реализует kafka.MessageHandler. Ошибка доставки уводит сообщение на retry и затем в DLQ,
// битый конверт уходит в DLQ сразу.
func (d *Dispatcher) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	envelope, err := kafka.ParseEnvelope(message)
	if err != nil {
		return kafka.Permanent(err)
	}
	if d.alreadyHandled(envelope.ID) {
		d.logger.WithField("event_id", envelope.ID).Debug("duplicate event skipped")
		return nil
	}

	notifications, err := build(envelope)
	if err != nil {
		return kafka.Permanent(err)
	}
	for _, n := range notifications {
		if err := d.notifier.Notify(ctx, n); err != nil {
			notificationsTotal.WithLabelValues(n.EventType, "error").Inc()
			return fmt.Errorf("notify %s: %w", n.RecipientID, err)
		}
		notificationsTotal.WithLabelValues(n.EventType, "sent").Inc()
	}
	d.markHandled(envelope.ID)
	return nil
}

func (d *Dispatcher) alreadyHandled(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

func (d *Dispatcher) markHandled(id string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	if len(d.seen) >= maxSeen {
		d.seen = make(map[string]struct{})
	}
	d.seen[id] = struct{}{}
	d.mu.Unlock()
}

// build возвращает уведомления для события; неизвестные типы дают пустой список.
func build(envelope *kafka.Envelope) ([]Notification, error) {
	eventType := domain.EventType(envelope.EventType)
	if eventType == domain.EventMediaUploaded {
		return buildMedia(envelope)
	}

	p, err := envelope.ReservationPayload()
	if err != nil {
		return nil, err
	}
	customer := func(subject, body string) Notification {
		return Notification{RecipientID: p.UserID, EventType: envelope.EventType, Subject: subject, Body: body, EntityID: p.ReservationID}
	}
	shop := func(subject, body string) Notification {
		return Notification{RecipientID: p.ShopID, EventType: envelope.EventType, Subject: subject, Body: body, EntityID: p.ReservationID}
	}

	switch eventType {
	case domain.EventReservationActivated:
		return []Notification{
			customer("Reservation confirmed", fmt.Sprintf("Your deposit for product %s was received, the item is reserved for you.", p.ProductID)),
			shop("New reservation", fmt.Sprintf("Product %s was reserved by a customer.", p.ProductID)),
		}, nil
	case domain.EventReservationConfirmed:
		return []Notification{
			customer("Payment completed", "The remaining amount was paid. The shop will prepare your item."),
			shop("Reservation paid in full", fmt.Sprintf("Reservation %s is fully paid, please prepare the item.", p.ReservationID)),
		}, nil
	case domain.EventReservationCancelled:
		return []Notification{
			customer("Reservation cancelled", "Your reservation was cancelled."+refundSuffix(p)),
			shop("Reservation cancelled", fmt.Sprintf("Reservation %s was cancelled, product %s is available again.", p.ReservationID, p.ProductID)),
		}, nil
	case domain.EventReservationExpired:
		return []Notification{
			customer("Reservation expired", "Your reservation period has ended."+refundSuffix(p)),
			shop("Reservation expired", fmt.Sprintf("Reservation %s expired, product %s is available again.", p.ReservationID, p.ProductID)),
		}, nil
	case domain.EventReservationPaymentFailed:
		return []Notification{
			customer("Payment failed", "We could not charge your payment method. Please try again."),
		}, nil
	case domain.EventReservationStatusChanged:
		return []Notification{
			customer("Reservation update", fmt.Sprintf("Your reservation status is now %s.", p.Status)),
		}, nil
	default:
		return nil, nil
	}
}

func refundSuffix(p kafka.ReservationPayload) string {
	if p.RefundAmount == nil {
		return ""
	}
	return fmt.Sprintf(" Refund: %s %s.", p.RefundAmount.Amount, p.RefundAmount.Currency)
}

type mediaPayload struct {
	MediaID        string `json:"media_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	ConversationID string `json:"conversation_id"`
	Type           string `json:"type"`
}

func buildMedia(envelope *kafka.Envelope) ([]Notification, error) {
	var p mediaPayload
	if err := decodePayload(envelope, &p); err != nil {
		return nil, err
	}
	return []Notification{{
		RecipientID: p.ReceiverID,
		EventType:   envelope.EventType,
		Subject:     "New " + p.Type,
		Body:        fmt.Sprintf("You received a new %s in conversation %s.", p.Type, p.ConversationID),
		EntityID:    p.MediaID,
	}}, nil
}

func decodePayload(envelope *kafka.Envelope, v any) error {
	if err := json.Unmarshal(envelope.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", envelope.EventType, err)
	}
	return nil
}
