package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the table used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
    id           TEXT PRIMARY KEY,
    product_name TEXT NOT NULL,
    quantity     TEXT NOT NULL,
    price        TEXT NOT NULL,
    ts           BIGINT NOT NULL DEFAULT 0,
    last_seq     BIGINT NOT NULL,
    deleted      BOOLEAN NOT NULL DEFAULT FALSE
)`

// PostgresStore implements Store on a pgx pool. The Store interface carries no context, so
// every call runs under the context given to NewPostgresStore.
type PostgresStore struct {
	pool *pgxpool.Pool
	ctx  context.Context
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool, ctx: ctx}, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

const selectRecord = `SELECT product_name, quantity, price, ts, last_seq, deleted FROM orders`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ProductName, &rec.Quantity, &rec.Price, &rec.TS, &rec.LastSeq, &rec.Deleted)
	return rec, err
}

func (p *PostgresStore) Apply(key string, m Mutation, seq int64) (bool, Record, error) {
	tx, err := p.pool.BeginTx(p.ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return false, Record{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(p.ctx)

	cur, err := scanRecord(tx.QueryRow(p.ctx, selectRecord+` WHERE id = $1 FOR UPDATE`, key))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, Record{}, fmt.Errorf("select: %w", err)
	}
	if seq <= cur.LastSeq {
		return false, cur, nil
	}
	cur = applyMutation(cur, m, seq)
	_, err = tx.Exec(p.ctx, `
        INSERT INTO orders (id, product_name, quantity, price, ts, last_seq, deleted)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            product_name = EXCLUDED.product_name,
            quantity     = EXCLUDED.quantity,
            price        = EXCLUDED.price,
            ts           = EXCLUDED.ts,
            last_seq     = EXCLUDED.last_seq,
            deleted      = EXCLUDED.deleted
    `, key, cur.ProductName, cur.Quantity, cur.Price, cur.TS, cur.LastSeq, cur.Deleted)
	if err != nil {
		return false, Record{}, fmt.Errorf("upsert: %w", err)
	}
	if err := tx.Commit(p.ctx); err != nil {
		return false, Record{}, fmt.Errorf("commit: %w", err)
	}
	return true, cur, nil
}

func (p *PostgresStore) Get(key string) (Record, bool) {
	rec, err := scanRecord(p.pool.QueryRow(p.ctx, selectRecord+` WHERE id = $1`, key))
	if err != nil {
		return Record{}, false
	}
	return rec, true
}

func (p *PostgresStore) Range(fn func(key string, rec Record) error) error {
	rows, err := p.pool.Query(p.ctx, `SELECT id, product_name, quantity, price, ts, last_seq, deleted FROM orders`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var rec Record
		if err := rows.Scan(&id, &rec.ProductName, &rec.Quantity, &rec.Price, &rec.TS, &rec.LastSeq, &rec.Deleted); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if err := fn(id, rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LoadAll replaces the table contents using COPY.
func (p *PostgresStore) LoadAll(all map[string]Record) {
	tx, err := p.pool.Begin(p.ctx)
	if err != nil {
		return
	}
	defer tx.Rollback(p.ctx)
	if _, err := tx.Exec(p.ctx, `TRUNCATE TABLE orders`); err != nil {
		return
	}
	rows := make([][]any, 0, len(all))
	for id, rec := range all {
		rows = append(rows, []any{id, rec.ProductName, rec.Quantity, rec.Price, rec.TS, rec.LastSeq, rec.Deleted})
	}
	_, err = tx.CopyFrom(p.ctx,
		pgx.Identifier{"orders"},
		[]string{"id", "product_name", "quantity", "price", "ts", "last_seq", "deleted"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return
	}
	_ = tx.Commit(p.ctx)
}
