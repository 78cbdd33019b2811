package persistence

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

// JobAdapter reads requisitions. The pipeline never writes jobs.
type JobAdapter struct {
	db *sqlx.DB
}

func NewJobAdapter(db *sqlx.DB) *JobAdapter {
	return &JobAdapter{db: db}
}

func (a *JobAdapter) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT id, company_id, title, requirements, is_active FROM jobs WHERE id = $1`
	if err := a.db.GetContext(ctx, &job, query, id); err != nil {
		return nil, mapError(err)
	}
	return &job, nil
}

// FindActiveByTitle returns nil, nil when nothing matches.
func (a *JobAdapter) FindActiveByTitle(ctx context.Context, companyID uuid.UUID, position string) (*domain.Job, error) {
	position = strings.TrimSpace(position)
	if position == "" {
		return nil, nil
	}

	var job domain.Job
	query := `
		SELECT id, company_id, title, requirements, is_active
		FROM jobs
		WHERE company_id = $1 AND is_active = true AND title ILIKE '%' || $2 || '%'
		ORDER BY id
		LIMIT 1`
	if err := a.db.GetContext(ctx, &job, query, companyID, escapeLike(position)); err != nil {
		if errors.Is(mapError(err), ErrNotFound) {
			return nil, nil
		}
		return nil, mapError(err)
	}
	return &job, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var _ out.JobRepository = (*JobAdapter)(nil)
