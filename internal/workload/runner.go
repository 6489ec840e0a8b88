package workload

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Runner executes workloads against one live compute endpoint.
type Runner struct {
	db *sql.DB
}

// Open connects to a compute endpoint given its connection string.
func Open(ctx context.Context, connstr string) (*Runner, error) {
	db, err := sql.Open("pgx", connstr)
	if err != nil {
		return nil, fmt.Errorf("open compute connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping compute: %w", err)
	}
	return &Runner{db: db}, nil
}

// Close releases the connection pool.
func (r *Runner) Close() error { return r.db.Close() }

// Initialize seeds the spec's table with scale*RowsPerScale rows.
func (r *Runner) Initialize(ctx context.Context, spec Spec) error {
	rows := int64(spec.Init.Scale) * RowsPerScale
	stmts := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, spec.Init.Table),
		fmt.Sprintf(`CREATE TABLE %s (key bigint PRIMARY KEY, val bigint NOT NULL, filler text)`, spec.Init.Table),
		fmt.Sprintf(`INSERT INTO %s SELECT g, 0, repeat('x', 84) FROM generate_series(1, %d) g`, spec.Init.Table, rows),
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize workload: %w", err)
		}
	}
	return nil
}

// Run performs randomized read/update transactions against the spec's table
// until the duration elapses. A zero duration performs a single
// transaction, which is enough to prove the write path works.
func (r *Runner) Run(ctx context.Context, spec Spec, d time.Duration) error {
	deadline := time.Now().Add(d)
	rows := int64(spec.Init.Scale) * RowsPerScale
	for i := int64(0); ; i++ {
		key := i%rows + 1
		_, err := r.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET val = val + 1 WHERE key = $1`, spec.Init.Table), key)
		if err != nil {
			return fmt.Errorf("workload write: %w", err)
		}
		var val int64
		err = r.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT val FROM %s WHERE key = $1`, spec.Init.Table), key).Scan(&val)
		if err != nil {
			return fmt.Errorf("workload read: %w", err)
		}
		if !time.Now().Before(deadline) {
			return nil
		}
	}
}

// RowCount reports the number of rows in table.
func (r *Runner) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// SumKeyAbove reports sum(key) over rows of table with key > threshold.
func (r *Runner) SumKeyAbove(ctx context.Context, table string, threshold int64) (int64, error) {
	var sum sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT sum(key) FROM %s WHERE key > $1`, table), threshold).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("aggregate %s: %w", table, err)
	}
	return sum.Int64, nil
}

// FlushLSN reports the current durable-log flush position of the endpoint.
func (r *Runner) FlushLSN(ctx context.Context) (string, error) {
	var lsn string
	if err := r.db.QueryRowContext(ctx, `SELECT pg_current_wal_flush_lsn()`).Scan(&lsn); err != nil {
		return "", fmt.Errorf("query flush lsn: %w", err)
	}
	return lsn, nil
}
