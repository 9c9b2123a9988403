package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apikeyd/apikeyd/internal/model"
)

// UsageDelta is the aggregated counter movement of one key within a batch.
type UsageDelta struct {
	KeyID      string
	Count      int64
	TodayCount int
	Date       string
	LastUsedAt time.Time
}

type usageRow struct {
	ID             string    `db:"id"`
	APIKeyID       string    `db:"api_key_id"`
	Timestamp      time.Time `db:"ts"`
	Method         string    `db:"method"`
	Endpoint       string    `db:"endpoint"`
	StatusCode     int       `db:"status_code"`
	ResponseTimeMs int64     `db:"response_time_ms"`
	ClientIP       string    `db:"client_ip"`
	RequestSize    int64     `db:"request_size"`
	ResponseSize   int64     `db:"response_size"`
	ScopesJSON     string    `db:"scopes_json"`
	ErrorMessage   string    `db:"error_message"`
}

// ApplyUsage adds the batch's counter deltas to their keys and appends the
// usage log entries, in one transaction. The daily counter never moves
// backwards within the same day.
func (s *Store) ApplyUsage(ctx context.Context, deltas []UsageDelta, entries []model.UsageLogEntry) error {
	if len(deltas) == 0 && len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	updateCounters := tx.Rebind(`UPDATE api_keys SET
		usage_count = usage_count + ?,
		today_usage_count = CASE WHEN last_reset_date = ? AND today_usage_count > ? THEN today_usage_count ELSE ? END,
		last_reset_date = ?,
		last_used_at = ?
		WHERE id = ?`)
	for _, d := range deltas {
		// A key deleted since verification simply matches no row.
		if _, err := tx.ExecContext(ctx, updateCounters,
			d.Count, d.Date, d.TodayCount, d.TodayCount, d.Date, d.LastUsedAt.UTC(), d.KeyID); err != nil {
			return fmt.Errorf("apply usage for key %s: %w", d.KeyID, err)
		}
	}

	for _, e := range entries {
		scopes, err := marshalList(e.ScopesUsed)
		if err != nil {
			return err
		}
		row := usageRow{
			ID:             e.ID,
			APIKeyID:       e.APIKeyID,
			Timestamp:      e.Timestamp.UTC(),
			Method:         e.Method,
			Endpoint:       e.Endpoint,
			StatusCode:     e.StatusCode,
			ResponseTimeMs: e.ResponseTimeMs,
			ClientIP:       e.ClientIP,
			RequestSize:    e.RequestSize,
			ResponseSize:   e.ResponseSize,
			ScopesJSON:     scopes,
			ErrorMessage:   e.ErrorMessage,
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO usage_logs
			(id, api_key_id, ts, method, endpoint, status_code, response_time_ms, client_ip,
			 request_size, response_size, scopes_json, error_message)
			VALUES
			(:id, :api_key_id, :ts, :method, :endpoint, :status_code, :response_time_ms, :client_ip,
			 :request_size, :response_size, :scopes_json, :error_message)`, row); err != nil {
			return fmt.Errorf("insert usage log: %w", err)
		}
	}

	return tx.Commit()
}

// ListUsage returns up to limit of the most recent usage entries for a key.
func (s *Store) ListUsage(ctx context.Context, keyID string, limit int) ([]model.UsageLogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []usageRow
	if err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT * FROM usage_logs WHERE api_key_id = ? ORDER BY ts DESC, id DESC LIMIT ?"), keyID, limit); err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}

	entries := make([]model.UsageLogEntry, 0, len(rows))
	for _, r := range rows {
		e := model.UsageLogEntry{
			ID:             r.ID,
			APIKeyID:       r.APIKeyID,
			Timestamp:      r.Timestamp.UTC(),
			Method:         r.Method,
			Endpoint:       r.Endpoint,
			StatusCode:     r.StatusCode,
			ResponseTimeMs: r.ResponseTimeMs,
			ClientIP:       r.ClientIP,
			RequestSize:    r.RequestSize,
			ResponseSize:   r.ResponseSize,
			ErrorMessage:   r.ErrorMessage,
		}
		if err := json.Unmarshal([]byte(r.ScopesJSON), &e.ScopesUsed); err != nil {
			return nil, fmt.Errorf("decode usage scopes: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// PruneUsage deletes usage entries recorded before the cutoff and returns
// how many were removed. Key records are never pruned.
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q("DELETE FROM usage_logs WHERE ts < ?"), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune usage rows affected: %w", err)
	}
	return n, nil
}
