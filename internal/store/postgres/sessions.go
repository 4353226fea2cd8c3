package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zenc-ai/voicegate/internal/store"
)

// Sessions persists conversation session records.
//
// Obtain one via [Store.Sessions].
type Sessions struct {
	pool *pgxpool.Pool
}

// Create inserts rec and returns its id. A new UUID is assigned when rec.ID
// is empty.
func (s *Sessions) Create(ctx context.Context, rec store.SessionRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	transcript, err := encodeTranscript(rec.Transcript)
	if err != nil {
		return "", err
	}

	const q = `
		INSERT INTO conversation_sessions
		    (id, user_id, provider_session_id, provider, mode, scenario_id, topic_id, started_at, total_tokens, transcript)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.pool.Exec(ctx, q,
		id,
		rec.UserID,
		rec.ProviderSessionID,
		rec.Provider,
		rec.Mode,
		rec.ScenarioID,
		rec.TopicID,
		rec.StartedAt,
		rec.TotalTokens,
		transcript,
	)
	if err != nil {
		return "", fmt.Errorf("postgres: create session: %w", err)
	}
	return id, nil
}

// Update writes the teardown fields of record id. It returns
// [store.ErrNotFound] when no such record exists.
func (s *Sessions) Update(ctx context.Context, id string, upd store.SessionUpdate) error {
	transcript, err := encodeTranscript(upd.Transcript)
	if err != nil {
		return err
	}

	const q = `
		UPDATE conversation_sessions
		SET    ended_at     = $2,
		       total_tokens = $3,
		       provider     = COALESCE(NULLIF($4, ''), provider),
		       mode         = COALESCE(NULLIF($5, ''), mode),
		       transcript   = $6
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, upd.EndedAt, upd.TotalTokens, upd.Provider, upd.Mode, transcript)
	if err != nil {
		return fmt.Errorf("postgres: update session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Get loads record id. It returns [store.ErrNotFound] when it does not exist.
func (s *Sessions) Get(ctx context.Context, id string) (store.SessionRecord, error) {
	const q = `
		SELECT id, user_id, provider_session_id, provider, mode, scenario_id, topic_id,
		       started_at, ended_at, total_tokens, transcript
		FROM   conversation_sessions
		WHERE  id = $1`

	var (
		rec   store.SessionRecord
		ended *time.Time
		raw   []byte
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&rec.ID,
		&rec.UserID,
		&rec.ProviderSessionID,
		&rec.Provider,
		&rec.Mode,
		&rec.ScenarioID,
		&rec.TopicID,
		&rec.StartedAt,
		&ended,
		&rec.TotalTokens,
		&raw,
	)
	if err != nil {
		return store.SessionRecord{}, notFound(err, "postgres: get session "+id)
	}
	if err := json.Unmarshal(raw, &rec.Transcript); err != nil {
		return store.SessionRecord{}, fmt.Errorf("postgres: decode transcript %s: %w", id, err)
	}
	if ended != nil {
		rec.EndedAt = *ended
	}
	return rec, nil
}

func encodeTranscript(entries []store.TranscriptEntry) ([]byte, error) {
	if entries == nil {
		entries = []store.TranscriptEntry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode transcript: %w", err)
	}
	return raw, nil
}
