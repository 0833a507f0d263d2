package deferred

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists vouchers in PostgreSQL. Per-(buyer,seller)
// serialization uses transaction-scoped advisory locks, so the single-writer
// discipline holds across processes, not just within one.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createVoucherTablesSQL = `
CREATE TABLE IF NOT EXISTS vouchers (
    id TEXT NOT NULL,
    nonce BIGINT NOT NULL,
    buyer TEXT NOT NULL,
    seller TEXT NOT NULL,
    value_aggregate NUMERIC(78, 0) NOT NULL,
    asset TEXT NOT NULL,
    escrow TEXT NOT NULL,
    chain_id BIGINT NOT NULL,
    ts BIGINT NOT NULL,
    expiry BIGINT NOT NULL,
    signature TEXT NOT NULL,
    settled BOOLEAN NOT NULL DEFAULT FALSE,
    flushed BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (id, nonce)
);
CREATE INDEX IF NOT EXISTS vouchers_pair_idx ON vouchers (lower(buyer), lower(seller));

CREATE TABLE IF NOT EXISTS flush_nonces (
    buyer TEXT NOT NULL,
    nonce BIGINT NOT NULL,
    consumed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (buyer, nonce)
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the tables exist
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createVoucherTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

const voucherColumns = `id, nonce, buyer, seller, value_aggregate::TEXT, asset, escrow, chain_id, ts, expiry, signature, settled, flushed, created_at`

func scanVoucher(row pgx.Row) (*StoredVoucher, error) {
	var rec StoredVoucher
	err := row.Scan(
		&rec.Voucher.ID, &rec.Voucher.Nonce, &rec.Voucher.Buyer, &rec.Voucher.Seller,
		&rec.Voucher.ValueAggregate, &rec.Voucher.Asset, &rec.Voucher.Escrow,
		&rec.Voucher.ChainID, &rec.Voucher.Timestamp, &rec.Voucher.Expiry,
		&rec.Signature, &rec.Settled, &rec.Flushed, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) GetAvailableVoucher(ctx context.Context, buyer, seller string) (*StoredVoucher, error) {
	row := p.pool.QueryRow(ctx, `
SELECT `+voucherColumns+`
FROM vouchers
WHERE lower(buyer) = lower($1) AND lower(seller) = lower($2)
  AND NOT settled AND NOT flushed
ORDER BY created_at DESC, nonce DESC
LIMIT 1
`, buyer, seller)

	rec, err := scanVoucher(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query available voucher: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) GetVoucherSeries(ctx context.Context, id string) ([]StoredVoucher, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+voucherColumns+`
FROM vouchers
WHERE id = $1
ORDER BY nonce ASC
`, id)
	if err != nil {
		return nil, fmt.Errorf("query voucher series: %w", err)
	}
	defer rows.Close()

	var out []StoredVoucher
	for rows.Next() {
		rec, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrVoucherNotFound
	}
	return out, nil
}

func (p *PostgresStore) GetVoucher(ctx context.Context, id string, nonce uint64) (*StoredVoucher, error) {
	row := p.pool.QueryRow(ctx, `
SELECT `+voucherColumns+`
FROM vouchers
WHERE id = $1 AND nonce = $2
`, id, nonce)

	rec, err := scanVoucher(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query voucher: %w", err)
	}
	return rec, nil
}

// lockPair takes the advisory lock serializing writes for the pair within
// the transaction. Released automatically at commit/rollback.
func lockPair(ctx context.Context, tx pgx.Tx, buyer, seller string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, pairKey(buyer, seller))
	return err
}

func (p *PostgresStore) StoreVoucher(ctx context.Context, v Voucher, signature string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockPair(ctx, tx, v.Buyer, v.Seller); err != nil {
		return err
	}

	row := tx.QueryRow(ctx, `
SELECT `+voucherColumns+`
FROM vouchers
WHERE id = $1
ORDER BY nonce DESC
LIMIT 1
`, v.ID)
	tip, err := scanVoucher(row)
	if errors.Is(err, pgx.ErrNoRows) {
		tip = nil
	} else if err != nil {
		return fmt.Errorf("query series tip: %w", err)
	}

	if err := validateAgainstTip(v, tip); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
INSERT INTO vouchers (id, nonce, buyer, seller, value_aggregate, asset, escrow, chain_id, ts, expiry, signature)
VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11)
`, v.ID, v.Nonce, v.Buyer, v.Seller, v.ValueAggregate, v.Asset, v.Escrow, v.ChainID, v.Timestamp, v.Expiry, signature)
	if err != nil {
		return fmt.Errorf("insert voucher: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) MarkSettled(ctx context.Context, id string, nonce uint64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT buyer, seller FROM vouchers WHERE id = $1 LIMIT 1`, id)
	var buyer, seller string
	if err := row.Scan(&buyer, &seller); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVoucherNotFound
		}
		return err
	}
	if err := lockPair(ctx, tx, buyer, seller); err != nil {
		return err
	}

	row = tx.QueryRow(ctx, `SELECT settled, flushed FROM vouchers WHERE id = $1 AND nonce = $2 FOR UPDATE`, id, nonce)
	var settled, flushed bool
	if err := row.Scan(&settled, &flushed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVoucherNotFound
		}
		return err
	}
	if settled || flushed {
		return ErrAlreadySettled
	}

	// Settlement is terminal for the whole series.
	if _, err := tx.Exec(ctx, `UPDATE vouchers SET settled = TRUE WHERE id = $1 AND NOT flushed`, id); err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) MarkFlushed(ctx context.Context, buyer, seller, asset string) (int, error) {
	// Counts series, not vouchers, matching MemoryStore.
	row := p.pool.QueryRow(ctx, `
WITH marked AS (
	UPDATE vouchers SET flushed = TRUE
	WHERE lower(buyer) = lower($1)
	  AND ($2 = '' OR lower(seller) = lower($2))
	  AND ($3 = '' OR lower(asset) = lower($3))
	  AND NOT settled AND NOT flushed
	RETURNING id
)
SELECT COUNT(DISTINCT id) FROM marked
`, buyer, seller, asset)
	var series int
	if err := row.Scan(&series); err != nil {
		return 0, fmt.Errorf("mark flushed: %w", err)
	}
	return series, nil
}

func (p *PostgresStore) CheckFlushNonce(ctx context.Context, buyer string, nonce uint64) error {
	row := p.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM flush_nonces WHERE lower(buyer) = lower($1) AND nonce = $2)
`, buyer, nonce)
	var used bool
	if err := row.Scan(&used); err != nil {
		return err
	}
	if used {
		return ErrFlushNonceUsed
	}
	return nil
}

func (p *PostgresStore) ConsumeFlushNonce(ctx context.Context, buyer string, nonce uint64) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO flush_nonces (buyer, nonce) VALUES (lower($1), $2)
ON CONFLICT (buyer, nonce) DO NOTHING
`, buyer, nonce)
	if err != nil {
		return false, fmt.Errorf("consume flush nonce: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
