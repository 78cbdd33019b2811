package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"intake_server/core/domain"
)

func TestMapError(t *testing.T) {
	other := errors.New("connection refused")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", sql.ErrNoRows, ErrNotFound},
		{"wrapped no rows", fmt.Errorf("get: %w", sql.ErrNoRows), ErrNotFound},
		{"pgx unique", &pgconn.PgError{Code: "23505"}, domain.ErrDuplicate},
		{"pq unique", &pq.Error{Code: "23505"}, domain.ErrDuplicate},
		{"pgx fk", &pgconn.PgError{Code: "23503"}, nil},
		{"other", other, other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)
			if tt.want == nil {
				if tt.err == nil && got != nil {
					t.Errorf("mapError(nil) = %v", got)
				}
				if tt.err != nil && errors.Is(got, ErrDuplicate) {
					t.Errorf("mapError(%v) reported duplicate", tt.err)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("mapError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDuplicateKeepsDriverError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "uq_candidates_company_email"}
	got := mapError(pgErr)

	var target *pgconn.PgError
	if !errors.As(got, &target) || target.ConstraintName != "uq_candidates_company_email" {
		t.Errorf("driver error lost: %v", got)
	}
}

func TestCandidateRowToDomain(t *testing.T) {
	row := candidateRow{
		Candidate:     domain.Candidate{ID: 7, Email: "a@b.com"},
		SkillsArr:     pq.StringArray{"go", "sql"},
		ExperienceArr: pq.StringArray{},
	}
	c := row.toDomain()
	if c.ID != 7 || len(c.Skills) != 2 || c.Skills[1] != "sql" {
		t.Errorf("toDomain = %+v", c)
	}
	if len(c.Education) != 0 {
		t.Errorf("education = %v", c.Education)
	}
}

func TestEscapeLike(t *testing.T) {
	tests := map[string]string{
		"Backend Engineer": "Backend Engineer",
		"100% remote":      `100\% remote`,
		"c_level":          `c\_level`,
	}
	for in, want := range tests {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"mailbox_connections", "inbound_messages", "candidates", "candidate_scores", "jobs"} {
		if !containsTable(schemaSQL, table) {
			t.Errorf("schema missing table %s", table)
		}
	}
}

func containsTable(schema, table string) bool {
	return strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" ")
}
