package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

// reservationRepositoryInMemory: in-memory реализация ReservationRepository.
// Проверка блокирующего резерва и вставка выполняются под одним мьютексом.
type reservationRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Reservation
}

// NewReservationRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewReservationRepository() domain.ReservationRepository {
	return &reservationRepositoryInMemory{
		items: make(map[string]domain.Reservation),
	}
}

// Create сохраняет новый резерв, если на товар нет блокирующего резерва.
func (r *reservationRepositoryInMemory) Create(_ context.Context, res domain.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[res.ID]; exists {
		return domain.ErrReservationVersionConflict
	}
	if res.Status.Blocking() {
		for _, existing := range r.items {
			if existing.ProductID == res.ProductID && existing.Status.Blocking() {
				return domain.ErrAlreadyReserved
			}
		}
	}
	res.Version = 0
	r.items[res.ID] = cloneReservation(res)
	return nil
}

// Save перезаписывает резерв, проверяя версию (optimistic locking).
func (r *reservationRepositoryInMemory) Save(_ context.Context, res domain.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[res.ID]
	if !ok {
		return domain.ErrReservationNotFound
	}
	if current.Version != res.Version {
		return domain.ErrReservationVersionConflict
	}
	// Переход в блокирующий статус не должен пересечься с чужим резервом того же товара.
	if res.Status.Blocking() && !current.Status.Blocking() {
		for id, other := range r.items {
			if id != res.ID && other.ProductID == res.ProductID && other.Status.Blocking() {
				return domain.ErrAlreadyReserved
			}
		}
	}
	res.Version++
	r.items[res.ID] = cloneReservation(res)
	return nil
}

// Get возвращает резерв или ErrReservationNotFound.
func (r *reservationRepositoryInMemory) Get(_ context.Context, id string) (domain.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.items[id]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return cloneReservation(res), nil
}

func (r *reservationRepositoryInMemory) FindActiveByProduct(_ context.Context, productID string) (*domain.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, res := range r.items {
		if res.ProductID == productID && res.Status.Blocking() {
			found := cloneReservation(res)
			return &found, nil
		}
	}
	return nil, nil
}

func (r *reservationRepositoryInMemory) FindByUser(_ context.Context, userID string, filter domain.ReservationFilter) (domain.ReservationPage, error) {
	return r.page(filter, func(res domain.Reservation) bool { return res.UserID == userID }), nil
}

func (r *reservationRepositoryInMemory) FindByShop(_ context.Context, shopID string, filter domain.ReservationFilter) (domain.ReservationPage, error) {
	return r.page(filter, func(res domain.Reservation) bool { return res.ShopID == shopID }), nil
}

// FindExpired возвращает ACTIVE резервы с истёкшим сроком, упорядоченные по ID.
func (r *reservationRepositoryInMemory) FindExpired(_ context.Context, now time.Time, afterID string, limit int) ([]domain.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Reservation, 0)
	for _, res := range r.items {
		if res.Status != domain.ReservationStatusActive || !res.ExpiryDate.Before(now) {
			continue
		}
		if afterID != "" && res.ID <= afterID {
			continue
		}
		result = append(result, cloneReservation(res))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *reservationRepositoryInMemory) FindByPaymentReference(_ context.Context, ref string) (domain.Reservation, error) {
	if ref == "" {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, res := range r.items {
		if res.ExternalPaymentReference == ref {
			return cloneReservation(res), nil
		}
	}
	return domain.Reservation{}, domain.ErrReservationNotFound
}

func (r *reservationRepositoryInMemory) page(filter domain.ReservationFilter, match func(domain.Reservation) bool) domain.ReservationPage {
	filter = filter.Normalize()

	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]domain.Reservation, 0)
	for _, res := range r.items {
		if !match(res) {
			continue
		}
		if filter.Status != "" && res.Status != filter.Status {
			continue
		}
		matched = append(matched, res)
	}

	// Новые сверху; при равенстве времени сортируем по ID.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	page := domain.ReservationPage{Total: len(matched), Page: filter.Page, Limit: filter.Limit}
	start := filter.Offset()
	if start >= len(matched) {
		page.Items = []domain.Reservation{}
		return page
	}
	end := start + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}

	page.Items = make([]domain.Reservation, 0, end-start)
	for _, res := range matched[start:end] {
		page.Items = append(page.Items, cloneReservation(res))
	}
	return page
}

// cloneReservation копирует map и указатели, чтобы вызывающий не мутировал хранилище.
func cloneReservation(src domain.Reservation) domain.Reservation {
	dst := src
	if src.Metadata != nil {
		dst.Metadata = make(map[string]string, len(src.Metadata))
		for k, v := range src.Metadata {
			dst.Metadata[k] = v
		}
	}
	if src.ConfirmationDate != nil {
		ts := *src.ConfirmationDate
		dst.ConfirmationDate = &ts
	}
	if src.CancelationDate != nil {
		ts := *src.CancelationDate
		dst.CancelationDate = &ts
	}
	return dst
}

var _ domain.ReservationRepository = (*reservationRepositoryInMemory)(nil)
