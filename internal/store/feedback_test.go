package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestInsertFeedbackMuteSource(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectQuery("INSERT INTO feedback_actions").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(7), FeedbackMuteSource, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	sourceID := int64(7)
	id, err := st.InsertFeedback(context.Background(), FeedbackRecord{
		SourceID: &sourceID, Action: FeedbackMuteSource,
	})
	if err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}
	if id != 3 {
		t.Fatalf("id = %d, want 3", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertFeedbackRejectsUnknownAction(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	if _, err := st.InsertFeedback(context.Background(), FeedbackRecord{Action: "boost"}); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestPreferenceSignals(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	since := time.Date(2026, 7, 27, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT item_id, action, COUNT").
		WithArgs(FeedbackUpvote, FeedbackDownvote, since).
		WillReturnRows(sqlmock.NewRows([]string{"item_id", "action", "count"}).
			AddRow(int64(10), FeedbackUpvote, 3).
			AddRow(int64(10), FeedbackDownvote, 1).
			AddRow(int64(11), FeedbackDownvote, 2))

	mock.ExpectQuery("SELECT DISTINCT source_id").
		WithArgs(FeedbackMuteSource).
		WillReturnRows(sqlmock.NewRows([]string{"source_id"}).AddRow(int64(7)))

	mock.ExpectQuery("SELECT entity FROM insights").
		WillReturnRows(sqlmock.NewRows([]string{"entity"}).AddRow("fusion energy"))

	signals, err := st.PreferenceSignals(context.Background(), since)
	if err != nil {
		t.Fatalf("PreferenceSignals: %v", err)
	}
	if signals.ItemVotes[10] != 2 {
		t.Fatalf("item 10 net votes = %d, want 2", signals.ItemVotes[10])
	}
	if signals.ItemVotes[11] != -2 {
		t.Fatalf("item 11 net votes = %d, want -2", signals.ItemVotes[11])
	}
	if !signals.MutedSources[7] {
		t.Fatal("source 7 should be muted")
	}
	if len(signals.Insights) != 1 || signals.Insights[0] != "fusion energy" {
		t.Fatalf("insights = %v, want [fusion energy]", signals.Insights)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
