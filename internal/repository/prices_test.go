package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"tokenpulse/internal/models"

	"github.com/google/uuid"
)

// The store's contract lives in the SQL, so these are integration tests
// against a real Postgres. They skip without DATABASE_URL, apply
// schema.sql themselves and touch only rows for their own generated
// mints.
func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	repo, err := NewRepository(dsn)
	if err != nil {
		t.Skipf("cannot open postgres pool: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := repo.Ping(ctx); err != nil {
		repo.Close()
		t.Skipf("cannot reach postgres: %v", err)
	}
	if err := repo.Migrate("../../schema.sql"); err != nil {
		repo.Close()
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

// uniqueMint returns a mint no other run can collide with and deletes
// its rows when the test ends.
func uniqueMint(t *testing.T, repo *Repository) string {
	t.Helper()
	mint := "itest-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		repo.db.Exec(ctx, `DELETE FROM price_history WHERE mint = $1`, mint)
		repo.db.Exec(ctx, `DELETE FROM token_prices WHERE mint = $1`, mint)
	})
	return mint
}

func snapshotAt(mint string, price float64, at time.Time) models.PriceSnapshot {
	return models.PriceSnapshot{
		Mint:        mint,
		PriceUSD:    price,
		PriceNative: price / 150,
		MarketCap:   price * 1_000_000,
		TotalSupply: 1_000_000,
		AsOf:        at,
	}
}

func latestCount(t *testing.T, repo *Repository, mint string) int {
	t.Helper()
	var n int
	err := repo.db.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM token_prices WHERE mint = $1`, mint).Scan(&n)
	if err != nil {
		t.Fatalf("count token_prices: %v", err)
	}
	return n
}

func historyCount(t *testing.T, repo *Repository, mint string) int {
	t.Helper()
	var n int
	err := repo.db.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM price_history WHERE mint = $1`, mint).Scan(&n)
	if err != nil {
		t.Fatalf("count price_history: %v", err)
	}
	return n
}

func TestSaveSnapshotUpsertsLatestAndAppendsHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo := newTestRepo(t)
	mint := uniqueMint(t, repo)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	if err := repo.SaveSnapshot(ctx, snapshotAt(mint, 1.25, base)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := repo.GetLatest(ctx, mint)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if got == nil {
		t.Fatal("GetLatest returned nil after a save")
	}
	if got.PriceUSD != 1.25 || !got.AsOf.Equal(base) {
		t.Errorf("latest = %v at %s, want 1.25 at %s", got.PriceUSD, got.AsOf, base)
	}
	if n := historyCount(t, repo, mint); n != 1 {
		t.Errorf("history rows after one save = %d, want 1", n)
	}

	// A second save replaces the latest row and appends a second history
	// row: one table converges, the other accumulates.
	if err := repo.SaveSnapshot(ctx, snapshotAt(mint, 2.5, base.Add(time.Second))); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err = repo.GetLatest(ctx, mint)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if got.PriceUSD != 2.5 {
		t.Errorf("latest price after second save = %v, want 2.5", got.PriceUSD)
	}
	if n := latestCount(t, repo, mint); n != 1 {
		t.Errorf("token_prices rows = %d, want exactly 1", n)
	}
	if n := historyCount(t, repo, mint); n != 2 {
		t.Errorf("history rows after two saves = %d, want 2", n)
	}
}

func TestUpsertLatestDoesNotTouchHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo := newTestRepo(t)
	mint := uniqueMint(t, repo)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	if err := repo.UpsertLatest(ctx, snapshotAt(mint, 3.0, now)); err != nil {
		t.Fatalf("UpsertLatest: %v", err)
	}
	if err := repo.UpsertLatest(ctx, snapshotAt(mint, 4.0, now.Add(time.Second))); err != nil {
		t.Fatalf("UpsertLatest: %v", err)
	}

	got, err := repo.GetLatest(ctx, mint)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if got == nil || got.PriceUSD != 4.0 {
		t.Errorf("latest = %+v, want price 4.0", got)
	}
	if n := latestCount(t, repo, mint); n != 1 {
		t.Errorf("token_prices rows = %d, want 1", n)
	}
	if n := historyCount(t, repo, mint); n != 0 {
		t.Errorf("UpsertLatest wrote %d history rows, want 0", n)
	}
}

func TestSaveSnapshotFailureLeavesNoPartialWrite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo := newTestRepo(t)
	mint := uniqueMint(t, repo)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := repo.SaveSnapshot(cancelled, snapshotAt(mint, 1.0, time.Now().UTC()))
	if err == nil {
		t.Fatal("SaveSnapshot with a cancelled context succeeded")
	}
	var perr *models.PersistenceError
	if !errors.As(err, &perr) {
		t.Errorf("error = %v (%T), want *models.PersistenceError", err, err)
	}

	// A failed save must land in neither table.
	ctx := context.Background()
	got, err := repo.GetLatest(ctx, mint)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if got != nil {
		t.Errorf("latest row exists after failed save: %+v", got)
	}
	if n := historyCount(t, repo, mint); n != 0 {
		t.Errorf("history rows after failed save = %d, want 0", n)
	}
}

func TestGetLatestUnknownMint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo := newTestRepo(t)

	got, err := repo.GetLatest(context.Background(), "itest-absent-"+uuid.NewString())
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v for a mint never priced, want nil", got)
	}
}

func TestHistoryInRangeWindowAndOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo := newTestRepo(t)
	mint := uniqueMint(t, repo)
	ctx := context.Background()

	// Rows land out of chronological order; the query must sort by
	// timestamp, not by insertion order.
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)
	for _, sec := range []int{40, 10, 30, 20, 0, 50} {
		snap := snapshotAt(mint, float64(sec), base.Add(time.Duration(sec)*time.Second))
		if err := repo.AppendHistory(ctx, snap); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	from, to := base.Add(10*time.Second), base.Add(40*time.Second)
	entries, err := repo.HistoryInRange(ctx, mint, from, to, 0)
	if err != nil {
		t.Fatalf("HistoryInRange: %v", err)
	}

	// Both window bounds are inclusive.
	want := []float64{10, 20, 30, 40}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.PriceUSD != want[i] {
			t.Errorf("entry %d price = %v, want %v", i, e.PriceUSD, want[i])
		}
		if e.Mint != mint {
			t.Errorf("entry %d mint = %s, want %s", i, e.Mint, mint)
		}
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].At.Before(entries[i-1].At) {
			t.Errorf("entries out of order at %d: %s before %s", i, entries[i].At, entries[i-1].At)
		}
	}
}

func TestHistoryInRangeCap(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo := newTestRepo(t)
	mint := uniqueMint(t, repo)
	ctx := context.Background()

	// 1005 rows one second apart, seeded in one statement.
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-2 * time.Hour)
	_, err := repo.db.Exec(ctx, `
		INSERT INTO price_history (mint, price_usd, price_native, market_cap, at)
		SELECT $1, n::double precision, 0, 0, $2::timestamptz + n * interval '1 second'
		FROM generate_series(1, 1005) AS n`,
		mint, base,
	)
	if err != nil {
		t.Fatalf("seed history: %v", err)
	}
	from, to := base, base.Add(3*time.Hour)

	entries, err := repo.HistoryInRange(ctx, mint, from, to, 0)
	if err != nil {
		t.Fatalf("HistoryInRange: %v", err)
	}
	if len(entries) != 1000 {
		t.Fatalf("got %d entries with default cap, want 1000", len(entries))
	}
	// The cap keeps the oldest rows of the ascending scan.
	if entries[0].PriceUSD != 1 || entries[999].PriceUSD != 1000 {
		t.Errorf("capped range spans %v..%v, want 1..1000", entries[0].PriceUSD, entries[999].PriceUSD)
	}

	entries, err = repo.HistoryInRange(ctx, mint, from, to, 3)
	if err != nil {
		t.Fatalf("HistoryInRange: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d entries with cap 3, want 3", len(entries))
	}

	entries, err = repo.HistoryInRange(ctx, mint, from, to, 5000)
	if err != nil {
		t.Fatalf("HistoryInRange: %v", err)
	}
	if len(entries) != 1000 {
		t.Errorf("got %d entries with cap 5000, want clamp to 1000", len(entries))
	}
}

func TestPurgeMintRemovesLatestAndHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo := newTestRepo(t)
	victim := uniqueMint(t, repo)
	bystander := uniqueMint(t, repo)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	for i, mint := range []string{victim, victim, bystander} {
		if err := repo.SaveSnapshot(ctx, snapshotAt(mint, float64(i+1), now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}

	if err := repo.PurgeMint(ctx, victim); err != nil {
		t.Fatalf("PurgeMint: %v", err)
	}

	got, err := repo.GetLatest(ctx, victim)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if got != nil {
		t.Errorf("latest row survived purge: %+v", got)
	}
	if n := historyCount(t, repo, victim); n != 0 {
		t.Errorf("history rows survived purge: %d", n)
	}

	// Purge is scoped to the one mint.
	other, err := repo.GetLatest(ctx, bystander)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if other == nil {
		t.Fatal("purge removed another mint's latest row")
	}
	if n := historyCount(t, repo, bystander); n != 1 {
		t.Errorf("bystander history rows = %d, want 1", n)
	}
}

func TestListLatestOrdersByRecency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	mints := []string{uniqueMint(t, repo), uniqueMint(t, repo), uniqueMint(t, repo)}
	for i, mint := range mints {
		if err := repo.SaveSnapshot(ctx, snapshotAt(mint, 1, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}

	snaps, total, err := repo.ListLatest(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ListLatest: %v", err)
	}
	if total < 3 {
		t.Errorf("total = %d, want at least 3", total)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want page of 2", len(snaps))
	}
	if snaps[0].Mint != mints[2] || snaps[1].Mint != mints[1] {
		t.Errorf("page = [%s %s], want most recent first [%s %s]",
			snaps[0].Mint, snaps[1].Mint, mints[2], mints[1])
	}
}

func TestListMintsIncludesSavedMints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo := newTestRepo(t)
	ctx := context.Background()

	mints := []string{uniqueMint(t, repo), uniqueMint(t, repo)}
	for _, mint := range mints {
		if err := repo.SaveSnapshot(ctx, snapshotAt(mint, 1, time.Now().UTC())); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}

	all, err := repo.ListMints(ctx)
	if err != nil {
		t.Fatalf("ListMints: %v", err)
	}
	seen := make(map[string]bool, len(all))
	for _, m := range all {
		seen[m] = true
	}
	for _, mint := range mints {
		if !seen[mint] {
			t.Errorf("ListMints missing %s", mint)
		}
	}
}
