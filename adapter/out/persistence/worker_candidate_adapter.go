package persistence

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

// CandidateAdapter implements out.CandidateRepository.
type CandidateAdapter struct {
	db *sqlx.DB
}

func NewCandidateAdapter(db *sqlx.DB) *CandidateAdapter {
	return &CandidateAdapter{db: db}
}

// candidateRow carries the array columns.
type candidateRow struct {
	domain.Candidate
	SkillsArr     pq.StringArray `db:"skills"`
	EducationArr  pq.StringArray `db:"education"`
	ExperienceArr pq.StringArray `db:"experience"`
}

func (r *candidateRow) toDomain() *domain.Candidate {
	c := r.Candidate
	c.Skills = []string(r.SkillsArr)
	c.Education = []string(r.EducationArr)
	c.Experience = []string(r.ExperienceArr)
	return &c
}

func (a *CandidateAdapter) GetByID(ctx context.Context, id int64) (*domain.Candidate, error) {
	var row candidateRow
	query := `
		SELECT id, company_id, job_id, first_name, last_name, email, phone, resume_key,
		       resume_filename, skills, education, experience, summary, source_message_id,
		       score, created_at
		FROM candidates
		WHERE id = $1`
	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, mapError(err)
	}
	return row.toDomain(), nil
}

func (a *CandidateAdapter) ExistsByEmail(ctx context.Context, companyID uuid.UUID, email string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM candidates WHERE company_id = $1 AND lower(email) = lower($2))`
	if err := a.db.GetContext(ctx, &exists, query, companyID, strings.TrimSpace(email)); err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

// Create inserts the candidate and sets c.ID. The (company, lower(email))
// index turns a lost race into domain.ErrCandidateExists.
func (a *CandidateAdapter) Create(ctx context.Context, c *domain.Candidate) error {
	query := `
		INSERT INTO candidates (
			company_id, job_id, first_name, last_name, email, phone, resume_key,
			resume_filename, skills, education, experience, summary, source_message_id,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	err := a.db.QueryRowxContext(ctx, query,
		c.CompanyID, c.JobID, c.FirstName, c.LastName, strings.ToLower(c.Email), c.Phone,
		c.ResumeKey, c.ResumeFilename,
		pq.Array(nonNil(c.Skills)), pq.Array(nonNil(c.Education)), pq.Array(nonNil(c.Experience)),
		c.Summary, c.SourceMessageID, c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		err = mapError(err)
		if errors.Is(err, ErrDuplicate) {
			return errors.Join(domain.ErrCandidateExists, err)
		}
		return err
	}
	return nil
}

func (a *CandidateAdapter) UpdateHeadlineScore(ctx context.Context, candidateID int64, score int) error {
	res, err := a.db.ExecContext(ctx, `UPDATE candidates SET score = $2 WHERE id = $1`, candidateID, score)
	if err != nil {
		return mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ out.CandidateRepository = (*CandidateAdapter)(nil)
