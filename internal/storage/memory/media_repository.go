package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

type mediaRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.MediaMessage
}

// NewMediaRepository создаёт in-memory хранилище метаданных медиа.
func NewMediaRepository() domain.MediaRepository {
	return &mediaRepositoryInMemory{items: make(map[string]domain.MediaMessage)}
}

func (r *mediaRepositoryInMemory) Create(_ context.Context, m domain.MediaMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[m.ID]; exists {
		return domain.ErrMediaUploadFailed
	}
	r.items[m.ID] = cloneMedia(m)
	return nil
}

func (r *mediaRepositoryInMemory) Get(_ context.Context, id string) (domain.MediaMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.items[id]
	if !ok {
		return domain.MediaMessage{}, domain.ErrMediaNotFound
	}
	return cloneMedia(m), nil
}

func (r *mediaRepositoryInMemory) Save(_ context.Context, m domain.MediaMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[m.ID]; !ok {
		return domain.ErrMediaNotFound
	}
	r.items[m.ID] = cloneMedia(m)
	return nil
}

func (r *mediaRepositoryInMemory) ListExpired(_ context.Context, now time.Time, after domain.MediaCursor, limit int) ([]domain.MediaMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.MediaMessage, 0)
	for _, m := range r.items {
		if m.IsExpired(now) && cursorLess(after, domain.CursorOf(m)) {
			result = append(result, cloneMedia(m))
		}
	}
	sort.Slice(result, func(i, j int) bool { return cursorLess(domain.CursorOf(result[i]), domain.CursorOf(result[j])) })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cursorLess(a, b domain.MediaCursor) bool {
	if !a.ExpiresAt.Equal(b.ExpiresAt) {
		return a.ExpiresAt.Before(b.ExpiresAt)
	}
	return a.ID < b.ID
}

func (r *mediaRepositoryInMemory) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.items, id)
	return nil
}

func cloneMedia(src domain.MediaMessage) domain.MediaMessage {
	dst := src
	if src.ExpiresAt != nil {
		ts := *src.ExpiresAt
		dst.ExpiresAt = &ts
	}
	return dst
}

var _ domain.MediaRepository = (*mediaRepositoryInMemory)(nil)
