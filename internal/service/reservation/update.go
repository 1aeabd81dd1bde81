package reservation

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

const (
	maxSaveAttempts = 3
	saveRetryDelay  = 10 * time.Millisecond
)

// Mutation меняет резерв на месте. false означает «менять нечего» (сохранение пропускается).
type Mutation func(r *domain.Reservation) (bool, error)

// Update загружает резерв, применяет mutation и сохраняет.
// При конфликте версий резерв перечитывается и mutation применяется заново,
// поэтому mutation не должна иметь внешних побочных эффектов.
func Update(ctx context.Context, repo domain.ReservationRepository, id string, mutate Mutation) (domain.Reservation, bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		res, err := repo.Get(ctx, id)
		if err != nil {
			return domain.Reservation{}, false, err
		}

		changed, err := mutate(&res)
		if err != nil {
			return res, false, err
		}
		if !changed {
			return res, false, nil
		}

		err = repo.Save(ctx, res)
		if err == nil {
			res.Version++
			return res, true, nil
		}
		if !domain.IsVersionConflict(err) {
			return res, false, err
		}
		lastErr = err

		delay := saveRetryDelay * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return res, false, ctx.Err()
		case <-time.After(delay):
		}
	}
	return domain.Reservation{}, false, lastErr
}
