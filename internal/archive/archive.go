// Package archive persists terminal orders evicted from the in-memory store
// so fills remain queryable past the retention window.
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidemark-io/tidemark/internal/schema"
)

const insertSQL = `
INSERT INTO archived_orders (
    client_id,
    exchange_id,
    account,
    symbol,
    side,
    price,
    amount,
    filled,
    commission,
    status,
    generation,
    created_at,
    updated_at
)
VALUES (
    @client_id,
    @exchange_id,
    @account,
    @symbol,
    @side,
    @price,
    @amount,
    @filled,
    @commission,
    @status,
    @generation,
    @created_at,
    @updated_at
)
ON CONFLICT (account, client_id) DO NOTHING;
`

// Archive writes terminal order snapshots to Postgres.
type Archive struct {
	pool *pgxpool.Pool
}

// Open connects the archive pool and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Archive, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return &Archive{pool: pool}, nil
}

// NewWithPool wraps an existing pool, used by tests.
func NewWithPool(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// Store writes the orders in one batch. Orders already archived are left
// untouched, so re-archiving after a crash is harmless.
func (a *Archive) Store(ctx context.Context, orders []schema.Order) error {
	if len(orders) == 0 {
		return nil
	}
	batch := new(pgx.Batch)
	for _, order := range orders {
		batch.Queue(insertSQL, pgx.NamedArgs{
			"client_id":   order.ClientID,
			"exchange_id": order.ExchangeID,
			"account":     order.Account.String(),
			"symbol":      order.Symbol,
			"side":        string(order.Side),
			"price":       order.Price,
			"amount":      order.Amount,
			"filled":      order.Filled,
			"commission":  order.Commission,
			"status":      string(order.Status),
			"generation":  int64(order.Generation),
			"created_at":  order.CreatedAt,
			"updated_at":  order.UpdatedAt,
		})
	}
	results := a.pool.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()
	for range orders {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("archive: insert order: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
