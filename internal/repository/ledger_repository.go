package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"riskguard/internal/risk"
	"riskguard/internal/venue"
)

// Ошибки репозитория журнала
var (
	ErrNoRecords = errors.New("no records to save")
)

// LedgerRepository - работа с таблицей action_log.
// Реализует risk.Store: долговременное хранение журнала действий
// поверх хранимой в памяти истории.
type LedgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository создает новый экземпляр репозитория
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// EnsureSchema создает таблицу журнала, если её ещё нет
func (r *LedgerRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS action_log (
			id BIGSERIAL PRIMARY KEY,
			policy TEXT NOT NULL,
			venue TEXT NOT NULL,
			instrument TEXT NOT NULL,
			side TEXT NOT NULL,
			size NUMERIC NOT NULL,
			price NUMERIC NOT NULL,
			is_hedge BOOLEAN NOT NULL,
			success BOOLEAN NOT NULL,
			error_message TEXT,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_action_log_policy ON action_log (policy, created_at DESC)`

	_, err := r.db.ExecContext(ctx, query)
	return err
}

// SaveRecords сохраняет пачку записей журнала в одной транзакции
func (r *LedgerRepository) SaveRecords(ctx context.Context, records []risk.LedgerRecord) error {
	if len(records) == 0 {
		return ErrNoRecords
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO action_log (policy, venue, instrument, side, size, price, is_hedge, success, error_message, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(
			ctx,
			rec.Policy,
			string(rec.Venue),
			rec.Instrument,
			string(rec.Side),
			rec.Size.String(),
			rec.Price.String(),
			rec.IsHedge,
			rec.Success,
			nullString(rec.Error),
			nullString(rec.Reason),
			rec.CreatedAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRecent возвращает последние записи журнала, новые первыми
func (r *LedgerRepository) GetRecent(ctx context.Context, limit int) ([]risk.LedgerRecord, error) {
	query := `
		SELECT id, policy, venue, instrument, side, size, price, is_hedge, success, error_message, reason, created_at
		FROM action_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetByPolicy возвращает последние записи одной политики
func (r *LedgerRepository) GetByPolicy(ctx context.Context, policy string, limit int) ([]risk.LedgerRecord, error) {
	query := `
		SELECT id, policy, venue, instrument, side, size, price, is_hedge, success, error_message, reason, created_at
		FROM action_log
		WHERE policy = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, policy, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// DeleteOlderThan удаляет записи старше отметки, возвращает их число
func (r *LedgerRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM action_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRecords(rows *sql.Rows) ([]risk.LedgerRecord, error) {
	var records []risk.LedgerRecord
	for rows.Next() {
		var (
			rec        risk.LedgerRecord
			venueName  string
			sideName   string
			errMsg     sql.NullString
			reason     sql.NullString
		)
		err := rows.Scan(
			&rec.ID,
			&rec.Policy,
			&venueName,
			&rec.Instrument,
			&sideName,
			&rec.Size,
			&rec.Price,
			&rec.IsHedge,
			&rec.Success,
			&errMsg,
			&reason,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		rec.Venue = venue.ID(venueName)
		rec.Side = venue.Side(sideName)
		rec.Error = errMsg.String
		rec.Reason = reason.String
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
