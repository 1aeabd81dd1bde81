package reservation

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

// UpdateStatusInput описывает ручной перевод статуса магазином.
type UpdateStatusInput struct {
	Status domain.ReservationStatus
	Notes  string
}

// Get возвращает резерв владельцу, магазину или администратору.
func (s *Service) Get(ctx context.Context, actor domain.Actor, id string) (domain.Reservation, error) {
	res, err := s.reservations.Get(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !actor.CanView(res) {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s", domain.ErrUnauthorized, id)
	}
	return res, nil
}

// ListByUser возвращает резервы клиента, новые сверху.
func (s *Service) ListByUser(ctx context.Context, userID string, filter domain.ReservationFilter) (domain.ReservationPage, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.ReservationPage{}, fmt.Errorf("%w: user_id", domain.ErrMissingFields)
	}
	if err := validateFilter(filter); err != nil {
		return domain.ReservationPage{}, err
	}
	return s.reservations.FindByUser(ctx, userID, filter.Normalize())
}

// ListByShop возвращает резервы магазина; доступно магазину-владельцу и администратору.
func (s *Service) ListByShop(ctx context.Context, actor domain.Actor, shopID string, filter domain.ReservationFilter) (domain.ReservationPage, error) {
	if strings.TrimSpace(shopID) == "" {
		return domain.ReservationPage{}, fmt.Errorf("%w: shop_id", domain.ErrMissingFields)
	}
	if !actor.IsAdmin() && !actor.OwnsShop(shopID) {
		return domain.ReservationPage{}, fmt.Errorf("%w: shop %s", domain.ErrUnauthorized, shopID)
	}
	if err := validateFilter(filter); err != nil {
		return domain.ReservationPage{}, err
	}
	return s.reservations.FindByShop(ctx, shopID, filter.Normalize())
}

// UpdateStatus применяет переход из allow-list магазина. Недопустимый переход, ErrInvalidState.
func (s *Service) UpdateStatus(ctx context.Context, actor domain.Actor, id string, in UpdateStatusInput) (res domain.Reservation, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("update_status", start, err) }()

	if !in.Status.Valid() {
		return domain.Reservation{}, domain.NewValidationError([]error{
			fmt.Errorf("unknown status %q", in.Status),
		})
	}

	now := s.clock.Now()
	res, _, err = Update(ctx, s.reservations, id, func(r *domain.Reservation) (bool, error) {
		if !actor.CanManage(*r) {
			return false, fmt.Errorf("%w: reservation %s", domain.ErrUnauthorized, id)
		}
		if err := r.TransitionTo(in.Status, now); err != nil {
			return false, err
		}
		if in.Notes != "" {
			if err := r.SetMetadata(domain.MetadataShopNotes, in.Notes); err != nil {
				return false, domain.NewValidationError([]error{err})
			}
		}
		return true, nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	s.logger.WithFields(log.Fields{
		"reservation_id": res.ID,
		"status":         res.Status,
		"actor":          actor.UserID,
	}).Info("reservation status updated")
	s.publish(ctx, domain.NewReservationEvent(domain.EventReservationStatusChanged, res, now, map[string]any{
		"changed_by": actor.UserID,
		"notes":      in.Notes,
	}))
	return res, nil
}

// Timeline возвращает журнал событий резерва тем, кто может его видеть.
func (s *Service) Timeline(ctx context.Context, actor domain.Actor, id string) ([]domain.TimelineEvent, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return nil, nil
	}
	return s.timeline.List(ctx, id)
}

func validateFilter(f domain.ReservationFilter) error {
	if f.Status != "" && !f.Status.Valid() {
		return domain.NewValidationError([]error{fmt.Errorf("unknown status %q", f.Status)})
	}
	return nil
}
