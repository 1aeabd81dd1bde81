package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

type productRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Product
}

// NewProductRepository создаёт in-memory каталог; seed заполняет его начальными товарами.
func NewProductRepository(seed ...domain.Product) domain.ProductRepository {
	repo := &productRepositoryInMemory{items: make(map[string]domain.Product, len(seed))}
	for _, p := range seed {
		repo.items[p.ID] = p
	}
	return repo
}

func (r *productRepositoryInMemory) Get(_ context.Context, id string) (domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.items[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

func (r *productRepositoryInMemory) SetAvailability(_ context.Context, id string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.items[id]
	if !ok {
		return domain.ErrProductNotFound
	}
	p.IsAvailable = available
	p.UpdatedAt = time.Now().UTC()
	r.items[id] = p
	return nil
}

func (r *productRepositoryInMemory) Upsert(_ context.Context, p domain.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	r.items[p.ID] = p
	return nil
}

var _ domain.ProductRepository = (*productRepositoryInMemory)(nil)
