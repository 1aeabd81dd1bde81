package domain

import (
	"context"
	"io"
	"time"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// ReservationFilter задаёт фильтр и пагинация списков резервов.
type ReservationFilter struct {
	Status ReservationStatus
	Page   int
	Limit  int
}

// Normalize подставляет значения по умолчанию: page ≥ 1, 1 ≤ limit ≤ 100.
func (f ReservationFilter) Normalize() ReservationFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	return f
}

// Offset возвращает смещение для нормализованного фильтра.
func (f ReservationFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// ReservationPage содержит страницу результатов (новые сверху).
type ReservationPage struct {
	Items []Reservation
	Total int
	Page  int
	Limit int
}

// ReservationRepository описывает требования к хранилищу резервов.
type ReservationRepository interface {
	// Create атомарно сохраняет новый резерв.
	// Возвращает ErrAlreadyReserved, если на товар уже есть блокирующий резерв.
	Create(ctx context.Context, r Reservation) error
	// Save применяет изменения с optimistic locking по Version.
	Save(ctx context.Context, r Reservation) error
	// Get возвращает резерв или ErrReservationNotFound.
	Get(ctx context.Context, id string) (Reservation, error)
	// FindActiveByProduct возвращает блокирующий резерв товара или nil.
	FindActiveByProduct(ctx context.Context, productID string) (*Reservation, error)
	FindByUser(ctx context.Context, userID string, filter ReservationFilter) (ReservationPage, error)
	FindByShop(ctx context.Context, shopID string, filter ReservationFilter) (ReservationPage, error)
	// FindExpired возвращает ACTIVE резервы с ExpiryDate < now и ID > afterID, по возрастанию ID.
	FindExpired(ctx context.Context, now time.Time, afterID string, limit int) ([]Reservation, error)
	// FindByPaymentReference ищет по ExternalPaymentReference.
	FindByPaymentReference(ctx context.Context, ref string) (Reservation, error)
}

// ProductRepository хранит каталог товаров (минимально необходимый резервам).
type ProductRepository interface {
	Get(ctx context.Context, id string) (Product, error)
	SetAvailability(ctx context.Context, id string, available bool) error
	Upsert(ctx context.Context, p Product) error
}

// MediaCursor задаёт позицию в выборке просроченных медиа.
type MediaCursor struct {
	ExpiresAt time.Time
	ID        string
}

// CursorOf возвращает курсор, указывающий на сообщение m.
func CursorOf(m MediaMessage) MediaCursor {
	c := MediaCursor{ID: m.ID}
	if m.ExpiresAt != nil {
		c.ExpiresAt = *m.ExpiresAt
	}
	return c
}

// MediaRepository хранит метаданные медиа-сообщений.
type MediaRepository interface {
	Create(ctx context.Context, m MediaMessage) error
	Get(ctx context.Context, id string) (MediaMessage, error)
	Save(ctx context.Context, m MediaMessage) error
	// ListExpired возвращает сообщения с ExpiresAt < now строго после курсора,
	// упорядоченные по (ExpiresAt, ID). Нулевой курсор означает начало выборки.
	ListExpired(ctx context.Context, now time.Time, after MediaCursor, limit int) ([]MediaMessage, error)
	Delete(ctx context.Context, id string) error
}

// PaymentService описывает взаимодействие с платёжным провайдером.
type PaymentService interface {
	// CreatePaymentIntent инициирует списание.
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
	// CreateRefund инициирует возврат средств (для отмен, истечения и компенсаций).
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
	RetrievePaymentIntent(ctx context.Context, id string) (PaymentIntent, error)
}

// WebhookVerifier проверяет подпись и нормализует webhook провайдера.
type WebhookVerifier interface {
	Parse(payload []byte, signature string) (PaymentEvent, error)
}

// EventPublisher доставляет доменные события подписчикам. Ошибки подписчиков не возвращаются.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

// Object описывает открытый объект хранилища с поддержкой Seek (для Range-запросов).
type Object interface {
	io.ReadSeekCloser
	Size() int64
	ContentType() string
	ModTime() time.Time
}

// ObjectStore описывает хранилище файлов медиа.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Open(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла резерва.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, reservationID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки по ключу (id webhook-события).
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	// Reprocess переводит failed-запись обратно в processing.
	Reprocess(ctx context.Context, key string) error
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
