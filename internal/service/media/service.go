package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/clock"
	"github.com/vladislavdragonenkov/jms/internal/domain"
)

const (
	defaultCleanupInterval  = time.Hour
	defaultCleanupBatchSize = 100
)

// Service отдаёт медиа участникам переписки и ведёт статусы доставки.
type Service struct {
	repo   domain.MediaRepository
	store  domain.ObjectStore
	clock  clock.Clock
	logger *log.Entry

	// cursor продвигается мимо записей, которые не удалось удалить,
	// и сбрасывается, когда выборка доходит до конца.
	mu     sync.Mutex
	cursor domain.MediaCursor
}

func NewService(repo domain.MediaRepository, store domain.ObjectStore, c clock.Clock, logger *log.Entry) *Service {
	if c == nil {
		c = clock.NewSystem()
	}
	if logger == nil {
		logger = log.WithField("component", "media")
	}
	return &Service{repo: repo, store: store, clock: c, logger: logger}
}

// Get возвращает метаданные сообщения участнику переписки.
func (s *Service) Get(ctx context.Context, actor domain.Actor, id string) (domain.MediaMessage, error) {
	msg, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.MediaMessage{}, err
	}
	if !msg.CanAccess(actor.UserID) {
		return domain.MediaMessage{}, fmt.Errorf("%w: media %s", domain.ErrUnauthorized, id)
	}
	if msg.IsExpired(s.clock.Now()) {
		return domain.MediaMessage{}, fmt.Errorf("%w: media %s", domain.ErrMediaExpired, id)
	}
	if msg.Status == domain.MediaStatusPending || msg.Status == domain.MediaStatusFailed {
		return domain.MediaMessage{}, fmt.Errorf("%w: media %s is %s", domain.ErrInvalidMediaState, id, msg.Status)
	}
	return msg, nil
}

// Open открывает файл для потоковой отдачи с поддержкой Range. Вызывающий закрывает Object.
func (s *Service) Open(ctx context.Context, actor domain.Actor, id string) (domain.MediaMessage, domain.Object, error) {
	msg, err := s.Get(ctx, actor, id)
	if err != nil {
		return domain.MediaMessage{}, nil, err
	}
	obj, err := s.store.Open(ctx, msg.Content)
	if err != nil {
		return domain.MediaMessage{}, nil, s.objectError(id, err)
	}
	return msg, obj, nil
}

// OpenThumbnail открывает превью; ErrMediaNotFound, если превью нет.
func (s *Service) OpenThumbnail(ctx context.Context, actor domain.Actor, id string) (domain.MediaMessage, domain.Object, error) {
	msg, err := s.Get(ctx, actor, id)
	if err != nil {
		return domain.MediaMessage{}, nil, err
	}
	if msg.Metadata.ThumbnailKey == "" {
		return domain.MediaMessage{}, nil, fmt.Errorf("%w: media %s has no thumbnail", domain.ErrMediaNotFound, id)
	}
	obj, err := s.store.Open(ctx, msg.Metadata.ThumbnailKey)
	if err != nil {
		return domain.MediaMessage{}, nil, s.objectError(id, err)
	}
	return msg, obj, nil
}

// MarkDelivered ставит отметку получателя о доставке.
func (s *Service) MarkDelivered(ctx context.Context, actor domain.Actor, id string) (domain.MediaMessage, error) {
	return s.receipt(ctx, actor, id, func(m *domain.MediaMessage, now time.Time) error { return m.MarkDelivered(now) })
}

// MarkRead ставит отметку получателя о прочтении.
func (s *Service) MarkRead(ctx context.Context, actor domain.Actor, id string) (domain.MediaMessage, error) {
	return s.receipt(ctx, actor, id, func(m *domain.MediaMessage, now time.Time) error { return m.MarkRead(now) })
}

func (s *Service) receipt(ctx context.Context, actor domain.Actor, id string, apply func(*domain.MediaMessage, time.Time) error) (domain.MediaMessage, error) {
	msg, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.MediaMessage{}, err
	}
	if actor.UserID == "" || actor.UserID != msg.ReceiverID {
		return domain.MediaMessage{}, fmt.Errorf("%w: only the receiver can acknowledge media %s", domain.ErrUnauthorized, id)
	}
	now := s.clock.Now()
	if msg.IsExpired(now) {
		return domain.MediaMessage{}, fmt.Errorf("%w: media %s", domain.ErrMediaExpired, id)
	}

	prev := msg.Status
	if err := apply(&msg, now); err != nil {
		return domain.MediaMessage{}, err
	}
	if msg.Status == prev {
		return msg, nil
	}
	if err := s.repo.Save(ctx, msg); err != nil {
		return domain.MediaMessage{}, err
	}
	return msg, nil
}

// CleanupExpired удаляет файлы и записи одной страницы просроченных сообщений.
// Записи, чьи объекты не удалились, пропускаются до следующего круга.
func (s *Service) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupBatchSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expired, err := s.repo.ListExpired(ctx, now, s.cursor, limit)
	if err != nil {
		return 0, err
	}
	if len(expired) < limit {
		s.cursor = domain.MediaCursor{}
	} else {
		s.cursor = domain.CursorOf(expired[len(expired)-1])
	}

	removed := 0
	for _, msg := range expired {
		if s.removeExpired(ctx, msg) {
			removed++
		}
	}
	return removed, nil
}

func (s *Service) removeExpired(ctx context.Context, msg domain.MediaMessage) bool {
	logger := s.logger.WithField("media_id", msg.ID)
	failed := false
	for _, key := range []string{msg.Content, msg.Metadata.ThumbnailKey} {
		if key == "" {
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, domain.ErrObjectNotFound) {
			logger.WithError(err).WithField("key", key).Warn("failed to delete expired media object")
			failed = true
		}
	}
	if failed {
		return false
	}
	if err := s.repo.Delete(ctx, msg.ID); err != nil {
		logger.WithError(err).Warn("failed to delete expired media record")
		return false
	}
	return true
}

// RunCleanup периодически удаляет просроченные медиа до отмены ctx.
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.CleanupExpired(ctx, s.clock.Now(), defaultCleanupBatchSize)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WithError(err).Warn("media cleanup failed")
				continue
			}
			if removed > 0 {
				s.logger.WithField("removed", removed).Info("expired media removed")
			}
		}
	}
}

func (s *Service) objectError(id string, err error) error {
	if errors.Is(err, domain.ErrObjectNotFound) {
		return fmt.Errorf("%w: media %s: %v", domain.ErrMediaNotFound, id, err)
	}
	return err
}
