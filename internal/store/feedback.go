package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// FeedbackRecord is one reader action on an item, cluster, source, or
// entity.
type FeedbackRecord struct {
	ID        int64
	UserID    *int64
	ItemID    *int64
	ClusterID *int64
	SourceID  *int64
	Action    string
	Entity    string
	CreatedAt time.Time
}

// PreferenceSignals carries the reader-feedback inputs of ranking: net
// votes per item, muted sources, and the texts of active insights.
type PreferenceSignals struct {
	ItemVotes    map[int64]int
	MutedSources map[int64]bool
	Insights     []string
}

// InsertFeedback records a reader action.
func (s *Store) InsertFeedback(ctx context.Context, rec FeedbackRecord) (int64, error) {
	switch rec.Action {
	case FeedbackUpvote, FeedbackDownvote, FeedbackMuteEntity, FeedbackMuteSource, FeedbackSave:
	default:
		return 0, fmt.Errorf("unknown feedback action %q", rec.Action)
	}
	var userID, itemID, clusterID, sourceID sql.NullInt64
	if rec.UserID != nil {
		userID = sql.NullInt64{Int64: *rec.UserID, Valid: true}
	}
	if rec.ItemID != nil {
		itemID = sql.NullInt64{Int64: *rec.ItemID, Valid: true}
	}
	if rec.ClusterID != nil {
		clusterID = sql.NullInt64{Int64: *rec.ClusterID, Valid: true}
	}
	if rec.SourceID != nil {
		sourceID = sql.NullInt64{Int64: *rec.SourceID, Valid: true}
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO feedback_actions (user_id, item_id, cluster_id, source_id, action, entity)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id
`, userID, itemID, clusterID, sourceID, rec.Action, nullableString(rec.Entity)).Scan(&id)
	return id, err
}

// InsertInsight records a free-text interest a reader asked to follow more
// closely. Insights expire; only active ones influence ranking.
func (s *Store) InsertInsight(ctx context.Context, userID *int64, entity string, weight float64) (int64, error) {
	if entity == "" {
		return 0, fmt.Errorf("insight entity required")
	}
	var uid sql.NullInt64
	if userID != nil {
		uid = sql.NullInt64{Int64: *userID, Valid: true}
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO insights (user_id, entity, weight)
VALUES ($1,$2,$3)
RETURNING id
`, uid, entity, weight).Scan(&id)
	return id, err
}

// PreferenceSignals aggregates the feedback recorded since the cutoff: net
// upvote-minus-downvote counts per item, sources with at least one mute,
// and the texts of non-expired insights.
func (s *Store) PreferenceSignals(ctx context.Context, since time.Time) (PreferenceSignals, error) {
	out := PreferenceSignals{
		ItemVotes:    map[int64]int{},
		MutedSources: map[int64]bool{},
	}

	voteRows, err := s.DB.QueryContext(ctx, `
SELECT item_id, action, COUNT(*)
FROM feedback_actions
WHERE item_id IS NOT NULL AND action IN ($1,$2) AND created_at >= $3
GROUP BY item_id, action
`, FeedbackUpvote, FeedbackDownvote, since.UTC())
	if err != nil {
		return PreferenceSignals{}, err
	}
	defer voteRows.Close()
	for voteRows.Next() {
		var itemID int64
		var action string
		var count int
		if err := voteRows.Scan(&itemID, &action, &count); err != nil {
			return PreferenceSignals{}, err
		}
		if action == FeedbackDownvote {
			count = -count
		}
		out.ItemVotes[itemID] += count
	}
	if err := voteRows.Err(); err != nil {
		return PreferenceSignals{}, err
	}

	muteRows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT source_id
FROM feedback_actions
WHERE source_id IS NOT NULL AND action = $1
`, FeedbackMuteSource)
	if err != nil {
		return PreferenceSignals{}, err
	}
	defer muteRows.Close()
	for muteRows.Next() {
		var sourceID int64
		if err := muteRows.Scan(&sourceID); err != nil {
			return PreferenceSignals{}, err
		}
		out.MutedSources[sourceID] = true
	}
	if err := muteRows.Err(); err != nil {
		return PreferenceSignals{}, err
	}

	insightRows, err := s.DB.QueryContext(ctx, `
SELECT entity FROM insights WHERE expires_at > NOW()
`)
	if err != nil {
		return PreferenceSignals{}, err
	}
	defer insightRows.Close()
	for insightRows.Next() {
		var text string
		if err := insightRows.Scan(&text); err != nil {
			return PreferenceSignals{}, err
		}
		out.Insights = append(out.Insights, text)
	}
	return out, insightRows.Err()
}
