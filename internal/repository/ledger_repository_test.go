package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"riskguard/internal/risk"
	"riskguard/internal/venue"
)

func newMockRepo(t *testing.T) (*LedgerRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewLedgerRepository(db), mock
}

func sampleRecords() []risk.LedgerRecord {
	now := time.Now()
	return []risk.LedgerRecord{
		{
			ID: 1, Policy: "liquidation", Venue: venue.Binance, Instrument: "BTCUSDT",
			Side: venue.SideSell, Size: decimal.RequireFromString("1.4"),
			Price: decimal.RequireFromString("30000"), Success: true,
			Reason: "liquidation_defense(HIGH)", CreatedAt: now,
		},
		{
			ID: 2, Policy: "liquidation", Venue: venue.OKX, Instrument: "BTC-USDT-SWAP",
			Side: venue.SideBuy, Size: decimal.RequireFromString("0.7"),
			Price: decimal.RequireFromString("30010"), IsHedge: true,
			Error: "timeout", CreatedAt: now,
		},
	}
}

func TestSaveRecords(t *testing.T) {
	repo, mock := newMockRepo(t)
	records := sampleRecords()

	mock.ExpectBegin()
	stmt := mock.ExpectPrepare("INSERT INTO action_log")
	stmt.ExpectExec().
		WithArgs("liquidation", "binance", "BTCUSDT", "sell", "1.4", "30000",
			false, true, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	stmt.ExpectExec().
		WithArgs("liquidation", "okx", "BTC-USDT-SWAP", "buy", "0.7", "30010",
			true, false, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := repo.SaveRecords(context.Background(), records); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSaveRecordsEmptyBatch(t *testing.T) {
	repo, _ := newMockRepo(t)
	if err := repo.SaveRecords(context.Background(), nil); !errors.Is(err, ErrNoRecords) {
		t.Errorf("err = %v, want ErrNoRecords", err)
	}
}

func TestSaveRecordsRollsBackOnFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	stmt := mock.ExpectPrepare("INSERT INTO action_log")
	stmt.ExpectExec().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if err := repo.SaveRecords(context.Background(), sampleRecords()); err == nil {
		t.Fatal("expected an error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetRecent(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "policy", "venue", "instrument", "side", "size", "price",
		"is_hedge", "success", "error_message", "reason", "created_at",
	}).
		AddRow(2, "arbitrage", "okx", "BTC-USDT-SWAP", "sell", "0.5", "30100", true, true, nil, "arbitrage_entry", now).
		AddRow(1, "arbitrage", "binance", "BTCUSDT", "buy", "0.5", "30010", false, true, nil, "arbitrage_entry", now)

	mock.ExpectQuery("FROM action_log").
		WithArgs(50).
		WillReturnRows(rows)

	records, err := repo.GetRecent(context.Background(), 50)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ID != 2 || records[0].Venue != venue.OKX {
		t.Errorf("first record = %+v, want the newest okx row", records[0])
	}
	if !records[0].Size.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("size = %s, want 0.5", records[0].Size)
	}
	if records[0].Error != "" {
		t.Errorf("null error message must scan to empty, got %q", records[0].Error)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetByPolicy(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := sqlmock.NewRows([]string{
		"id", "policy", "venue", "instrument", "side", "size", "price",
		"is_hedge", "success", "error_message", "reason", "created_at",
	}).AddRow(7, "funding", "binance", "BTCUSDT", "sell", "1", "30000", false, false, "timeout", "funding_hedge(HIGH)", time.Now())

	mock.ExpectQuery("WHERE policy").
		WithArgs("funding", 10).
		WillReturnRows(rows)

	records, err := repo.GetByPolicy(context.Background(), "funding", 10)
	if err != nil {
		t.Fatalf("GetByPolicy: %v", err)
	}
	if len(records) != 1 || records[0].Policy != "funding" {
		t.Fatalf("records = %+v", records)
	}
	if records[0].Error != "timeout" || records[0].Success {
		t.Error("failure details must survive the round trip")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	mock.ExpectExec("DELETE FROM action_log").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.DeleteOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 42 {
		t.Errorf("deleted = %d, want 42", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEnsureSchema(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS action_log").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
