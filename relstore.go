package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// RelStore is the relational store: usage/audit/provider/global tables with
// INSERT ... ON CONFLICT DO UPDATE upsert semantics, batched per flush.
type RelStore struct {
	db *sql.DB
}

// NewRelStore opens (and idempotently migrates) the sqlite database at path.
func NewRelStore(path string) (*RelStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite: single writer; avoids SQLITE_BUSY under our own concurrency
	rs := &RelStore{db: db}
	if err := rs.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return rs, nil
}

func (s *RelStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *RelStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_stats (
			date TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(date, provider_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS request_audit_minute (
			minute_bucket TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			outcome TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (minute_bucket, provider_id, kind, outcome)
		)`,
		`CREATE TABLE IF NOT EXISTS global_monitor (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			alias TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_stats(provider_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_minute ON request_audit_minute(minute_bucket)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_provider ON request_audit_minute(provider_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// UsageDelta is one (date, providerId, kind) += count instruction.
type UsageDelta struct {
	Date       string
	ProviderID string
	Kind       string
	Count      int64
}

// AuditDelta is one (minuteBucket, providerId, kind, outcome) += count instruction.
type AuditDelta struct {
	MinuteBucket string
	ProviderID   string
	Kind         string
	Outcome      string
	Count        int64
}

// GlobalDelta is one global_monitor key += count instruction.
type GlobalDelta struct {
	Key   string
	Count int64
}

// FlushBatch upserts all three delta slices inside one transaction.
func (s *RelStore) FlushBatch(ctx context.Context, usage []UsageDelta, audit []AuditDelta, globals []GlobalDelta) error {
	if len(usage) == 0 && len(audit) == 0 && len(globals) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range usage {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_stats(date, provider_id, kind, count) VALUES(?, ?, ?, ?)
			ON CONFLICT(date, provider_id, kind) DO UPDATE SET count = count + excluded.count
		`, d.Date, d.ProviderID, d.Kind, d.Count); err != nil {
			return fmt.Errorf("upsert usage_stats: %w", err)
		}
	}
	for _, d := range audit {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO request_audit_minute(minute_bucket, provider_id, kind, outcome, count) VALUES(?, ?, ?, ?, ?)
			ON CONFLICT(minute_bucket, provider_id, kind, outcome) DO UPDATE SET count = count + excluded.count
		`, d.MinuteBucket, d.ProviderID, d.Kind, d.Outcome, d.Count); err != nil {
			return fmt.Errorf("upsert request_audit_minute: %w", err)
		}
	}
	for _, d := range globals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO global_monitor(key, value) VALUES(?, ?)
			ON CONFLICT(key) DO UPDATE SET value = value + excluded.value
		`, d.Key, d.Count); err != nil {
			return fmt.Errorf("upsert global_monitor: %w", err)
		}
	}
	return tx.Commit()
}

// DailyUsage returns the accepted count for (date, providerId, kind), 0 if absent.
func (s *RelStore) DailyUsage(ctx context.Context, date, providerID, kind string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM usage_stats WHERE date = ? AND provider_id = ? AND kind = ?
	`, date, providerID, kind).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// DailyUsageBatch returns the accepted count for (date, kind) across a set of
// provider ids, zero-filled for ids with no row.
func (s *RelStore) DailyUsageBatch(ctx context.Context, date, kind string, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	for _, id := range ids {
		out[id] = 0
	}
	if len(ids) == 0 {
		return out, nil
	}
	query, args := inClauseQuery(`
		SELECT provider_id, count FROM usage_stats WHERE date = ? AND kind = ? AND provider_id IN (%s)
	`, date, kind, ids)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		out[id] = count
	}
	return out, rows.Err()
}

// MinuteRPM returns the success+error+limited count for the given
// (minuteBucket, providerId, kind) — the authoritative cross-instance RPM
// reading, summed across all outcomes (an attempt consumes RPM regardless of
// how it resolves).
func (s *RelStore) MinuteRPM(ctx context.Context, minuteBucket, providerID, kind string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(count) FROM request_audit_minute WHERE minute_bucket = ? AND provider_id = ? AND kind = ?
	`, minuteBucket, providerID, kind).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// MinuteRPMBatch is the grouped version of MinuteRPM across provider ids.
func (s *RelStore) MinuteRPMBatch(ctx context.Context, minuteBucket, kind string, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	for _, id := range ids {
		out[id] = 0
	}
	if len(ids) == 0 {
		return out, nil
	}
	query, args := inClauseQuery(`
		SELECT provider_id, SUM(count) FROM request_audit_minute
		WHERE minute_bucket = ? AND kind = ? AND provider_id IN (%s)
		GROUP BY provider_id
	`, minuteBucket, kind, ids)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		out[id] = count
	}
	return out, rows.Err()
}

// RecentAudit returns the most recent `limit` audit rows, minute_bucket
// descending. When includeSuccess is false, outcome='success' rows are
// filtered out.
func (s *RelStore) RecentAudit(ctx context.Context, limit int, includeSuccess bool) ([]AuditDelta, error) {
	q := `SELECT minute_bucket, provider_id, kind, outcome, count FROM request_audit_minute`
	if !includeSuccess {
		q += ` WHERE outcome != 'success'`
	}
	q += ` ORDER BY minute_bucket DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditDelta
	for rows.Next() {
		var d AuditDelta
		if err := rows.Scan(&d.MinuteBucket, &d.ProviderID, &d.Kind, &d.Outcome, &d.Count); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AuthFailedProvidersSince returns providers with at least one
// error:auth_expired and zero success rows for kind across minute buckets
// >= sinceBucket, sorted for stable fingerprinting.
func (s *RelStore) AuthFailedProvidersSince(ctx context.Context, sinceBucket, kind string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_id,
			SUM(CASE WHEN outcome = 'error:auth_expired' THEN count ELSE 0 END) AS auth_failed,
			SUM(CASE WHEN outcome = 'success' THEN count ELSE 0 END) AS succeeded
		FROM request_audit_minute
		WHERE minute_bucket >= ? AND kind = ?
		GROUP BY provider_id
		HAVING auth_failed > 0 AND succeeded = 0
	`, sinceBucket, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		var authFailed, succeeded int64
		if err := rows.Scan(&id, &authFailed, &succeeded); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, rows.Err()
}

// TodayTotal sums count for kind across today's audit rows (all outcomes).
func (s *RelStore) TodayTotal(ctx context.Context, todayPrefix, kind string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(count) FROM request_audit_minute WHERE minute_bucket LIKE ? AND kind = ?
	`, todayPrefix+"%", kind).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// DistinctUsageProviderIDs lists every provider_id that has ever appeared in
// usage_stats — used by the provider registry's self-heal.
func (s *RelStore) DistinctUsageProviderIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT provider_id FROM usage_stats ORDER BY provider_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ProviderRow is one row of the providers table.
type ProviderRow struct {
	ID        string
	Alias     string
	UpdatedAt int64
}

func (s *RelStore) ListProviders(ctx context.Context) ([]ProviderRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, alias, updated_at FROM providers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProviderRow
	for rows.Next() {
		var p ProviderRow
		if err := rows.Scan(&p.ID, &p.Alias, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *RelStore) UpsertProvider(ctx context.Context, id, alias string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers(id, alias, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET alias = excluded.alias, updated_at = excluded.updated_at
	`, id, alias, time.Now().Unix())
	return err
}

func (s *RelStore) DeleteProvider(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	return err
}

func inClauseQuery(tmpl, arg1, arg2 string, ids []string) (string, []any) {
	placeholders := ""
	args := []any{arg1, arg2}
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	return fmt.Sprintf(tmpl, placeholders), args
}
