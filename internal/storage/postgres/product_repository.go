package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

type productRepository struct {
	db *sql.DB
}

// NewProductRepository создаёт PostgreSQL-реализацию ProductRepository.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepository{db: store.DB()}
}

func (r *productRepository) Get(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		p        domain.Product
		minor    int64
		currency string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, shop_id, name, price_minor, currency, is_available, updated_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.ShopID, &p.Name, &minor, &currency, &p.IsAvailable, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}

	if p.Price, err = domain.MoneyFromMinor(minor, currency); err != nil {
		return domain.Product{}, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (r *productRepository) SetAvailability(ctx context.Context, id string, available bool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE products
		SET is_available = $1,
		    updated_at = $2
		WHERE id = $3
	`, available, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update product availability: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (r *productRepository) Upsert(ctx context.Context, p domain.Product) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, shop_id, name, price_minor, currency, is_available, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE
		SET shop_id = EXCLUDED.shop_id,
		    name = EXCLUDED.name,
		    price_minor = EXCLUDED.price_minor,
		    currency = EXCLUDED.currency,
		    is_available = EXCLUDED.is_available,
		    updated_at = EXCLUDED.updated_at
	`, p.ID, p.ShopID, p.Name, p.Price.MinorUnits(), p.Price.Currency(), p.IsAvailable, p.UpdatedAt); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

var _ domain.ProductRepository = (*productRepository)(nil)
