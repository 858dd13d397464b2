package repository

import (
	"context"
	"time"

	"tokenpulse/internal/models"

	"github.com/jackc/pgx/v5"
)

// UpsertLatest inserts or replaces the latest-price row for a mint. The
// primary key guarantees concurrent writers leave exactly one caller's
// payload, never a blend.
func (r *Repository) UpsertLatest(ctx context.Context, snap models.PriceSnapshot) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO token_prices (mint, price_usd, price_native, market_cap, total_supply, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mint) DO UPDATE SET
			price_usd = EXCLUDED.price_usd,
			price_native = EXCLUDED.price_native,
			market_cap = EXCLUDED.market_cap,
			total_supply = EXCLUDED.total_supply,
			last_updated = EXCLUDED.last_updated`,
		snap.Mint, snap.PriceUSD, snap.PriceNative, snap.MarketCap, snap.TotalSupply, snap.AsOf,
	)
	if err != nil {
		return &models.PersistenceError{Op: "upsert latest", Err: err}
	}
	return nil
}

// AppendHistory appends one history row for a mint.
func (r *Repository) AppendHistory(ctx context.Context, snap models.PriceSnapshot) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO price_history (mint, price_usd, price_native, market_cap, at)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.Mint, snap.PriceUSD, snap.PriceNative, snap.MarketCap, snap.AsOf,
	)
	if err != nil {
		return &models.PersistenceError{Op: "append history", Err: err}
	}
	return nil
}

// SaveSnapshot writes the latest row and the history row in one
// transaction: either both land or neither does.
func (r *Repository) SaveSnapshot(ctx context.Context, snap models.PriceSnapshot) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return &models.PersistenceError{Op: "begin save snapshot", Err: err}
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO token_prices (mint, price_usd, price_native, market_cap, total_supply, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mint) DO UPDATE SET
			price_usd = EXCLUDED.price_usd,
			price_native = EXCLUDED.price_native,
			market_cap = EXCLUDED.market_cap,
			total_supply = EXCLUDED.total_supply,
			last_updated = EXCLUDED.last_updated`,
		snap.Mint, snap.PriceUSD, snap.PriceNative, snap.MarketCap, snap.TotalSupply, snap.AsOf,
	)
	if err != nil {
		return &models.PersistenceError{Op: "upsert latest", Err: err}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO price_history (mint, price_usd, price_native, market_cap, at)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.Mint, snap.PriceUSD, snap.PriceNative, snap.MarketCap, snap.AsOf,
	)
	if err != nil {
		return &models.PersistenceError{Op: "append history", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &models.PersistenceError{Op: "commit save snapshot", Err: err}
	}
	return nil
}

// GetLatest returns the latest snapshot for a mint, or nil when the mint
// has never been priced.
func (r *Repository) GetLatest(ctx context.Context, mint string) (*models.PriceSnapshot, error) {
	var snap models.PriceSnapshot
	err := r.db.QueryRow(ctx, `
		SELECT mint, price_usd, price_native, market_cap, total_supply, last_updated
		FROM token_prices
		WHERE mint = $1`,
		mint,
	).Scan(&snap.Mint, &snap.PriceUSD, &snap.PriceNative, &snap.MarketCap, &snap.TotalSupply, &snap.AsOf)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListLatest returns one page of latest snapshots ordered by most
// recently updated, plus the total row count for pagination.
func (r *Repository) ListLatest(ctx context.Context, offset, limit int) ([]models.PriceSnapshot, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM token_prices`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT mint, price_usd, price_native, market_cap, total_supply, last_updated
		FROM token_prices
		ORDER BY last_updated DESC
		LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	snaps := make([]models.PriceSnapshot, 0, limit)
	for rows.Next() {
		var snap models.PriceSnapshot
		if err := rows.Scan(&snap.Mint, &snap.PriceUSD, &snap.PriceNative, &snap.MarketCap, &snap.TotalSupply, &snap.AsOf); err != nil {
			return nil, 0, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, total, rows.Err()
}

// HistoryInRange returns history entries with at in [from, to], ascending,
// capped at cap rows.
func (r *Repository) HistoryInRange(ctx context.Context, mint string, from, to time.Time, cap int) ([]models.HistoryEntry, error) {
	if cap <= 0 || cap > 1000 {
		cap = 1000
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, mint, price_usd, price_native, market_cap, at
		FROM price_history
		WHERE mint = $1 AND at >= $2 AND at <= $3
		ORDER BY at ASC
		LIMIT $4`,
		mint, from, to, cap,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.Mint, &e.PriceUSD, &e.PriceNative, &e.MarketCap, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PurgeMint removes the latest row and all history for a mint atomically.
func (r *Repository) PurgeMint(ctx context.Context, mint string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return &models.PersistenceError{Op: "begin purge", Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM price_history WHERE mint = $1`, mint); err != nil {
		return &models.PersistenceError{Op: "purge history", Err: err}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM token_prices WHERE mint = $1`, mint); err != nil {
		return &models.PersistenceError{Op: "purge latest", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &models.PersistenceError{Op: "commit purge", Err: err}
	}
	return nil
}

// ListMints returns every mint with a latest-price row, used by the
// scheduler to re-enrol tracked tokens on startup.
func (r *Repository) ListMints(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT mint FROM token_prices ORDER BY mint`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mints []string
	for rows.Next() {
		var mint string
		if err := rows.Scan(&mint); err != nil {
			return nil, err
		}
		mints = append(mints, mint)
	}
	return mints, rows.Err()
}
