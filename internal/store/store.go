// Package store provides the Postgres persistence layer. All queries are
// plain SQL over database/sql; migrations live under migrations/ and are
// applied with golang-migrate.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// Run statuses persisted in brief_runs.status.
const (
	RunStatusPending    = "pending"
	RunStatusRunning    = "running"
	RunStatusGenerating = "generating"
	RunStatusComplete   = "complete"
	RunStatusFailed     = "failed"
)

// Feedback actions persisted in feedback_actions.action.
const (
	FeedbackUpvote     = "upvote"
	FeedbackDownvote   = "downvote"
	FeedbackMuteEntity = "mute_entity"
	FeedbackMuteSource = "mute_source"
	FeedbackSave       = "save"
)

// New constructs the Store from DATABASE_URL or discrete POSTGRES_* env vars.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func nullableString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

