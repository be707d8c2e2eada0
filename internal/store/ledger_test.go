package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestRecordCallDerivesTotalTokens(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectQuery("INSERT INTO call_ledger").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "synthesize", "gpt-4o-mini",
			int64(900), int64(250), int64(1150), 0.0015, int64(840)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	id, err := st.RecordCall(context.Background(), LedgerEntry{
		Section:          "market",
		Purpose:          "synthesize",
		Model:            "gpt-4o-mini",
		PromptTokens:     900,
		CompletionTokens: 250,
		CostUSD:          0.0015,
		LatencyMS:        840,
	})
	if err != nil {
		t.Fatalf("RecordCall: %v", err)
	}
	if id != 3 {
		t.Fatalf("id = %d, want 3", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSpentSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	since := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "sum"}).AddRow(int64(41500), 0.42))

	tokens, cost, err := st.SpentSince(context.Background(), since)
	if err != nil {
		t.Fatalf("SpentSince: %v", err)
	}
	if tokens != 41500 || cost != 0.42 {
		t.Fatalf("tokens=%d cost=%v, want 41500/0.42", tokens, cost)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
