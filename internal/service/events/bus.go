package events

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

const defaultMaxParallel = 8

// Handler обрабатывает событие. Ошибка логируется шиной и дальше не идёт.
type Handler func(ctx context.Context, event domain.Event) error

// Bus реализует in-process pub/sub для доменных событий.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[domain.EventType][]Handler
	wildcard    []Handler
	maxParallel int
	logger      *log.Entry
}

// NewBus создаёт шину. maxParallel ограничивает число одновременно работающих обработчиков.
func NewBus(logger *log.Entry, maxParallel int) *Bus {
	if logger == nil {
		logger = log.WithField("component", "event-bus")
	}
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	return &Bus{
		handlers:    make(map[domain.EventType][]Handler),
		maxParallel: maxParallel,
		logger:      logger,
	}
}

// Subscribe добавляет обработчик в конец списка для типа.
func (b *Bus) Subscribe(eventType domain.EventType, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll подписывает обработчик на все типы событий.
func (b *Bus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, handler)
}

// Publish запускает обработчики параллельно и ждёт завершения всех.
// Обработчики получают контекст без отмены: ответ клиенту уже определён.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.wildcard)+len(b.handlers[event.Type]))
	handlers = append(handlers, b.wildcard...)
	handlers = append(handlers, b.handlers[event.Type]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	handlerCtx := context.WithoutCancel(ctx)
	entry := b.logger.WithFields(log.Fields{
		"event_id":     event.ID,
		"event_type":   event.Type,
		"aggregate_id": event.AggregateID,
	})

	limit := b.maxParallel
	if limit > len(handlers) {
		limit = len(handlers)
	}

	semaphore := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for idx := range handlers {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(handler Handler) {
			defer wg.Done()
			defer func() { <-semaphore }()
			if err := safeCall(handlerCtx, handler, event); err != nil {
				entry.WithError(err).Warn("event handler failed")
			}
		}(handlers[idx])
	}
	wg.Wait()
}

func safeCall(ctx context.Context, handler Handler, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

var _ domain.EventPublisher = (*Bus)(nil)
