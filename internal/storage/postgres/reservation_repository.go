package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

const blockingIndexName = "reservations_one_blocking_per_product"

const reservationColumns = `
	id, user_id, product_id, shop_id, currency,
	reservation_amount_minor, remaining_amount_minor, total_amount_minor,
	status, reservation_date, expiry_date, external_payment_reference,
	confirmation_date, cancelation_date, cancelation_reason, metadata,
	version, created_at, updated_at`

type reservationRepository struct {
	db *sql.DB
}

// NewReservationRepository создаёт PostgreSQL-реализацию ReservationRepository.
// Единственность блокирующего резерва обеспечивает частичный уникальный индекс.
func NewReservationRepository(store *Store) domain.ReservationRepository {
	return &reservationRepository{db: store.DB()}
}

func (r *reservationRepository) Create(ctx context.Context, res domain.Reservation) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	metadata, err := encodeMetadata(res.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,0,$17,$18)
	`,
		res.ID, res.UserID, res.ProductID, res.ShopID, res.TotalAmount.Currency(),
		res.ReservationAmount.MinorUnits(), res.RemainingAmount.MinorUnits(), res.TotalAmount.MinorUnits(),
		string(res.Status), res.ReservationDate, res.ExpiryDate, res.ExternalPaymentReference,
		res.ConfirmationDate, res.CancelationDate, res.CancelationReason, metadata,
		res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		return mapReservationWriteError(err, "insert reservation")
	}
	return nil
}

func (r *reservationRepository) Save(ctx context.Context, res domain.Reservation) (err error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	metadata, err := encodeMetadata(res.Metadata)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE reservations
		SET status = $1,
		    external_payment_reference = $2,
		    confirmation_date = $3,
		    cancelation_date = $4,
		    cancelation_reason = $5,
		    metadata = $6,
		    version = version + 1,
		    updated_at = $7
		WHERE id = $8
		  AND version = $9
	`,
		string(res.Status), res.ExternalPaymentReference, res.ConfirmationDate, res.CancelationDate,
		res.CancelationReason, metadata, res.UpdatedAt, res.ID, res.Version,
	)
	if err != nil {
		return mapReservationWriteError(err, "update reservation")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, res.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check reservation exists: %w", err)
		}
		if !exists {
			return domain.ErrReservationNotFound
		}
		return domain.ErrReservationVersionConflict
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save reservation: %w", err)
	}
	return nil
}

func (r *reservationRepository) Get(ctx context.Context, id string) (domain.Reservation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := scanReservation(r.db.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reservation{}, domain.ErrReservationNotFound
		}
		return domain.Reservation{}, fmt.Errorf("select reservation: %w", err)
	}
	return res, nil
}

func (r *reservationRepository) FindActiveByProduct(ctx context.Context, productID string) (*domain.Reservation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := scanReservation(r.db.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE product_id = $1
		  AND status IN ('PENDING', 'ACTIVE', 'CONFIRMED', 'READY_FOR_PICKUP')
		LIMIT 1
	`, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select active reservation: %w", err)
	}
	return &res, nil
}

func (r *reservationRepository) FindByUser(ctx context.Context, userID string, filter domain.ReservationFilter) (domain.ReservationPage, error) {
	return r.page(ctx, "user_id", userID, filter)
}

func (r *reservationRepository) FindByShop(ctx context.Context, shopID string, filter domain.ReservationFilter) (domain.ReservationPage, error) {
	return r.page(ctx, "shop_id", shopID, filter)
}

func (r *reservationRepository) FindExpired(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Reservation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = 'ACTIVE'
		  AND expiry_date < $1
		  AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, now, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired reservations: %w", err)
	}
	return collectReservations(rows)
}

func (r *reservationRepository) FindByPaymentReference(ctx context.Context, ref string) (domain.Reservation, error) {
	if ref == "" {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := scanReservation(r.db.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE external_payment_reference = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reservation{}, domain.ErrReservationNotFound
		}
		return domain.Reservation{}, fmt.Errorf("select reservation by payment reference: %w", err)
	}
	return res, nil
}

// page строит страницу по owner-колонке; column приходит только из констант выше.
func (r *reservationRepository) page(ctx context.Context, column, value string, filter domain.ReservationFilter) (domain.ReservationPage, error) {
	filter = filter.Normalize()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	page := domain.ReservationPage{Page: filter.Page, Limit: filter.Limit}

	where := ` WHERE ` + column + ` = $1 AND ($2 = '' OR status = $2)`
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reservations`+where, value, string(filter.Status)).
		Scan(&page.Total); err != nil {
		return domain.ReservationPage{}, fmt.Errorf("count reservations: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, value, string(filter.Status), filter.Limit, filter.Offset())
	if err != nil {
		return domain.ReservationPage{}, fmt.Errorf("list reservations: %w", err)
	}

	page.Items, err = collectReservations(rows)
	if err != nil {
		return domain.ReservationPage{}, err
	}
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var (
		res                                domain.Reservation
		currency, status                   string
		reservationMinor, remaining, total int64
		confirmationDate, cancelationDate  sql.NullTime
		metadata                           []byte
	)

	if err := row.Scan(
		&res.ID, &res.UserID, &res.ProductID, &res.ShopID, &currency,
		&reservationMinor, &remaining, &total,
		&status, &res.ReservationDate, &res.ExpiryDate, &res.ExternalPaymentReference,
		&confirmationDate, &cancelationDate, &res.CancelationReason, &metadata,
		&res.Version, &res.CreatedAt, &res.UpdatedAt,
	); err != nil {
		return domain.Reservation{}, err
	}

	res.Status = domain.ReservationStatus(status)
	if !res.Status.Valid() {
		return domain.Reservation{}, fmt.Errorf("invalid reservation status %q for %s", status, res.ID)
	}

	var err error
	if res.ReservationAmount, err = domain.MoneyFromMinor(reservationMinor, currency); err != nil {
		return domain.Reservation{}, err
	}
	if res.TotalAmount, err = domain.MoneyFromMinor(total, currency); err != nil {
		return domain.Reservation{}, err
	}
	// Остаток не пересчитывается: храним то, что было показано клиенту.
	if res.RemainingAmount, err = res.TotalAmount.Subtract(res.ReservationAmount); err != nil {
		return domain.Reservation{}, err
	}
	if res.RemainingAmount.MinorUnits() != remaining {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s", domain.ErrAmountsMismatch, res.ID)
	}

	if confirmationDate.Valid {
		ts := confirmationDate.Time.UTC()
		res.ConfirmationDate = &ts
	}
	if cancelationDate.Valid {
		ts := cancelationDate.Time.UTC()
		res.CancelationDate = &ts
	}

	res.Metadata = make(map[string]string)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &res.Metadata); err != nil {
			return domain.Reservation{}, fmt.Errorf("decode reservation metadata: %w", err)
		}
	}

	res.ReservationDate = res.ReservationDate.UTC()
	res.ExpiryDate = res.ExpiryDate.UTC()
	res.CreatedAt = res.CreatedAt.UTC()
	res.UpdatedAt = res.UpdatedAt.UTC()

	return res, nil
}

func collectReservations(rows *sql.Rows) ([]domain.Reservation, error) {
	defer rows.Close()

	result := make([]domain.Reservation, 0)
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation row: %w", err)
		}
		result = append(result, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservation rows: %w", err)
	}
	return result, nil
}

func encodeMetadata(metadata map[string]string) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode reservation metadata: %w", err)
	}
	return raw, nil
}

func mapReservationWriteError(err error, op string) error {
	if constraint, ok := uniqueViolation(err); ok {
		if constraint == blockingIndexName {
			return domain.ErrAlreadyReserved
		}
		return domain.ErrReservationVersionConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ domain.ReservationRepository = (*reservationRepository)(nil)
