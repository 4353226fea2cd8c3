package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zenc-ai/voicegate/internal/store"
)

// Profiles loads learner profiles on a cache miss.
type Profiles struct {
	pool *pgxpool.Pool
}

// LoadProfile returns the profile of userID or [store.ErrNotFound].
func (p *Profiles) LoadProfile(ctx context.Context, userID string) (store.Profile, error) {
	const q = `
		SELECT user_id, display_name, native_language, target_language, cefr_level,
		       confidence_score, interests, token_balance
		FROM   learner_profiles
		WHERE  user_id = $1`

	var (
		prof      store.Profile
		interests []byte
	)
	err := p.pool.QueryRow(ctx, q, userID).Scan(
		&prof.UserID,
		&prof.DisplayName,
		&prof.NativeLanguage,
		&prof.TargetLanguage,
		&prof.CEFRLevel,
		&prof.ConfidenceScore,
		&interests,
		&prof.TokenBalance,
	)
	if err != nil {
		return store.Profile{}, notFound(err, "postgres: load profile "+userID)
	}
	if err := json.Unmarshal(interests, &prof.Interests); err != nil {
		return store.Profile{}, fmt.Errorf("postgres: decode interests of %s: %w", userID, err)
	}
	return prof, nil
}

// UpsertProfile inserts or replaces prof.
func (p *Profiles) UpsertProfile(ctx context.Context, prof store.Profile) error {
	prof = prof.WithDefaults()
	interests := prof.Interests
	if interests == nil {
		interests = []string{}
	}
	raw, err := json.Marshal(interests)
	if err != nil {
		return fmt.Errorf("postgres: encode interests: %w", err)
	}

	const q = `
		INSERT INTO learner_profiles
		    (user_id, display_name, native_language, target_language, cefr_level,
		     confidence_score, interests, token_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
		    display_name     = EXCLUDED.display_name,
		    native_language  = EXCLUDED.native_language,
		    target_language  = EXCLUDED.target_language,
		    cefr_level       = EXCLUDED.cefr_level,
		    confidence_score = EXCLUDED.confidence_score,
		    interests        = EXCLUDED.interests,
		    token_balance    = EXCLUDED.token_balance,
		    updated_at       = now()`

	_, err = p.pool.Exec(ctx, q,
		prof.UserID,
		prof.DisplayName,
		prof.NativeLanguage,
		prof.TargetLanguage,
		prof.CEFRLevel,
		prof.ConfidenceScore,
		raw,
		prof.TokenBalance,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert profile %s: %w", prof.UserID, err)
	}
	return nil
}
