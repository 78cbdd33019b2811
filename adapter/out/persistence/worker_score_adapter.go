package persistence

import (
	"context"

	"github.com/jmoiron/sqlx"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

// ScoreAdapter implements out.ScoreRepository.
type ScoreAdapter struct {
	db *sqlx.DB
}

func NewScoreAdapter(db *sqlx.DB) *ScoreAdapter {
	return &ScoreAdapter{db: db}
}

// Upsert keeps one row per (candidate, job); rescoring overwrites it.
func (a *ScoreAdapter) Upsert(ctx context.Context, s *domain.CandidateScore) error {
	query := `
		INSERT INTO candidate_scores (
			candidate_id, job_id, overall_score, skills_score, experience_score,
			education_score, recommendation, explanation, scored_at
		) VALUES (
			:candidate_id, :job_id, :overall_score, :skills_score, :experience_score,
			:education_score, :recommendation, :explanation, :scored_at
		)
		ON CONFLICT (candidate_id, job_id) DO UPDATE SET
			overall_score = EXCLUDED.overall_score,
			skills_score = EXCLUDED.skills_score,
			experience_score = EXCLUDED.experience_score,
			education_score = EXCLUDED.education_score,
			recommendation = EXCLUDED.recommendation,
			explanation = EXCLUDED.explanation,
			scored_at = EXCLUDED.scored_at
		RETURNING id`

	rows, err := a.db.NamedQueryContext(ctx, query, s)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&s.ID); err != nil {
			return mapError(err)
		}
	}
	return mapError(rows.Err())
}

var _ out.ScoreRepository = (*ScoreAdapter)(nil)
