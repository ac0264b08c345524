package services

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/salmart/salmart-backend/internal/bargain"
)

const productLookupTimeout = 2 * time.Second

// PostgresProductDirectory reads listing ownership from the products table. Owners
// never change, so answers are kept for the life of the process.
type PostgresProductDirectory struct {
	db     *sql.DB
	owners sync.Map
}

func NewPostgresProductDirectory(db *sql.DB) *PostgresProductDirectory {
	return &PostgresProductDirectory{db: db}
}

// SellerOf returns the seller of productID. An unknown product is ("", false, nil).
func (d *PostgresProductDirectory) SellerOf(ctx context.Context, productID string) (string, bool, error) {
	if v, ok := d.owners.Load(productID); ok {
		return v.(string), true, nil
	}
	if d.db == nil {
		return "", false, nil
	}

	var seller string
	err := d.db.QueryRowContext(ctx, `SELECT seller_id FROM products WHERE id = $1`, productID).Scan(&seller)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	d.owners.Store(productID, seller)
	return seller, true, nil
}

// Resolver adapts the directory for bargain.WithSellerResolver. Lookup failures fall
// back to the machine's own role inference.
func (d *PostgresProductDirectory) Resolver() bargain.SellerResolver {
	return func(productID string) (string, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), productLookupTimeout)
		defer cancel()
		seller, ok, err := d.SellerOf(ctx, productID)
		if err != nil {
			log.Printf("products: seller lookup failed for %s: %v", productID, err)
			return "", false
		}
		return seller, ok
	}
}
