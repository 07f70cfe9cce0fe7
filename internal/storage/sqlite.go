package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pricewatch/internal/product"
	logx "pricewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertProduct(ctx context.Context, p *product.Tracked) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products(id, external_ref, title, image_ref, target_cents, current_cents,
		                      min_historic_cents, all_time_min_cents, check_freq_ms,
		                      last_checked_ms, next_eligible_ms, status, paused_reason,
		                      attempts, crossing_epoch, owner_id)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   external_ref=excluded.external_ref,
		   title=excluded.title,
		   image_ref=excluded.image_ref,
		   target_cents=excluded.target_cents,
		   current_cents=excluded.current_cents,
		   min_historic_cents=excluded.min_historic_cents,
		   all_time_min_cents=excluded.all_time_min_cents,
		   check_freq_ms=excluded.check_freq_ms,
		   last_checked_ms=excluded.last_checked_ms,
		   next_eligible_ms=excluded.next_eligible_ms,
		   status=excluded.status,
		   paused_reason=excluded.paused_reason,
		   attempts=excluded.attempts,
		   crossing_epoch=excluded.crossing_epoch,
		   owner_id=excluded.owner_id`,
		p.ID, p.ExternalRef, p.Title, p.ImageRef,
		int64(p.TargetPrice), int64(p.CurrentPrice),
		int64(p.MinHistoricPrice), int64(p.AllTimeMinPrice),
		p.CheckFrequency.Milliseconds(),
		unixMilliOrZero(p.LastCheckedAt), unixMilliOrZero(p.NextEligibleAt),
		string(p.Status), p.PausedReason, p.Attempts, p.CrossingEpoch, p.OwnerID,
	)
	return err
}

func (s *sqliteStore) ListProducts(ctx context.Context, cutoff time.Time) ([]*product.Tracked, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, external_ref, title, image_ref, target_cents, current_cents,
		        min_historic_cents, all_time_min_cents, check_freq_ms,
		        last_checked_ms, next_eligible_ms, status, paused_reason,
		        attempts, crossing_epoch, owner_id
		 FROM products WHERE status != ?`, string(product.StatusRemoved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*product.Tracked
	for rows.Next() {
		var (
			p                                product.Tracked
			target, current, minHist, allMin int64
			freqMS, lastMS, nextMS           int64
			status                           string
		)
		if err := rows.Scan(&p.ID, &p.ExternalRef, &p.Title, &p.ImageRef,
			&target, &current, &minHist, &allMin, &freqMS, &lastMS, &nextMS,
			&status, &p.PausedReason, &p.Attempts, &p.CrossingEpoch, &p.OwnerID); err != nil {
			return nil, err
		}
		p.TargetPrice = product.Cents(target)
		p.CurrentPrice = product.Cents(current)
		p.MinHistoricPrice = product.Cents(minHist)
		p.AllTimeMinPrice = product.Cents(allMin)
		p.CheckFrequency = time.Duration(freqMS) * time.Millisecond
		p.LastCheckedAt = timeFromMilli(lastMS)
		p.NextEligibleAt = timeFromMilli(nextMS)
		p.Status = product.Status(status)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range out {
		hist, err := s.loadHistory(ctx, p.ID, cutoff)
		if err != nil {
			return nil, err
		}
		p.PriceHistory = hist
	}
	return out, nil
}

func (s *sqliteStore) loadHistory(ctx context.Context, productID string, cutoff time.Time) ([]product.PricePoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at_ms, price_cents FROM price_history
		 WHERE product_id = ? AND at_ms >= ? ORDER BY at_ms ASC`,
		productID, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hist []product.PricePoint
	for rows.Next() {
		var atMS, cents int64
		if err := rows.Scan(&atMS, &cents); err != nil {
			return nil, err
		}
		hist = append(hist, product.PricePoint{At: timeFromMilli(atMS), Price: product.Cents(cents)})
	}
	return hist, rows.Err()
}

func (s *sqliteStore) AppendPricePoint(ctx context.Context, productID string, pt product.PricePoint, cutoff time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO price_history(product_id, at_ms, price_cents) VALUES(?,?,?)
		 ON CONFLICT(product_id, at_ms) DO UPDATE SET price_cents=excluded.price_cents`,
		productID, pt.At.UnixMilli(), int64(pt.Price)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM price_history WHERE product_id = ? AND at_ms < ?`,
		productID, cutoff.UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) PutNotification(ctx context.Context, rec product.NotificationRecord) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(product_id, epoch, price_cents, fired_at_ms)
		 VALUES(?,?,?,?) ON CONFLICT(product_id, epoch) DO NOTHING`,
		rec.ProductID, rec.Epoch, int64(rec.CrossingPrice), rec.FiredAt.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
