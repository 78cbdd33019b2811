package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"intake_server/core/domain"
)

// ConnectionRepository persists mailbox connections.
type ConnectionRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.MailboxConnection, error)
	// ListActiveByEmail returns every active connection for a mailbox address.
	ListActiveByEmail(ctx context.Context, email string) ([]*domain.MailboxConnection, error)
	ListActive(ctx context.Context) ([]*domain.MailboxConnection, error)
	ListAutoImport(ctx context.Context) ([]*domain.MailboxConnection, error)
	// ListWatchRenewals returns auto-import connections with no watch or a
	// watch expiring before the given time.
	ListWatchRenewals(ctx context.Context, expiresBefore time.Time) ([]*domain.MailboxConnection, error)
	ListTokenExpiring(ctx context.Context, before time.Time) ([]*domain.MailboxConnection, error)

	Upsert(ctx context.Context, conn *domain.MailboxConnection) error
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
	Deactivate(ctx context.Context, id int64) error
	SetCompanyDomain(ctx context.Context, id int64, companyDomain string) error
	// MarkSynced sets last_sync_at; the cursor only moves forward and only when historyID > 0.
	MarkSynced(ctx context.Context, id int64, at time.Time, historyID uint64) error
	UpdateWatch(ctx context.Context, id int64, historyID *uint64, expiresAt *time.Time) error
	Delete(ctx context.Context, id int64) error
}

// InboundMessageRepository persists inbound message records.
type InboundMessageRepository interface {
	ExistsByProviderID(ctx context.Context, providerMessageID string) (bool, error)
	// Create inserts a record; a duplicate provider message id returns domain.ErrDuplicate.
	Create(ctx context.Context, rec *domain.InboundMessageRecord) error
	UpdateStatus(ctx context.Context, id int64, status domain.InboundStatus, reason *string) error
	CountByStatus(ctx context.Context, connectionID int64) (map[domain.InboundStatus]int, error)
	// RedactSkippedBefore clears content of old SKIPPED rows; the row and its
	// provider message id stay.
	RedactSkippedBefore(ctx context.Context, before time.Time) (int64, error)
	GetByProviderID(ctx context.Context, providerMessageID string) (*domain.InboundMessageRecord, error)
}

// CandidateRepository creates candidates and maintains the headline score.
type CandidateRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Candidate, error)
	ExistsByEmail(ctx context.Context, companyID uuid.UUID, email string) (bool, error)
	// Create inserts; a (company, email) collision returns domain.ErrCandidateExists.
	Create(ctx context.Context, c *domain.Candidate) error
	UpdateHeadlineScore(ctx context.Context, candidateID int64, score int) error
}

// JobRepository reads open requisitions.
type JobRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Job, error)
	// FindActiveByTitle returns the first active job whose title contains
	// position (case-insensitive), or nil.
	FindActiveByTitle(ctx context.Context, companyID uuid.UUID, position string) (*domain.Job, error)
}

// ScoreRepository upserts scores keyed by (candidate, job).
type ScoreRepository interface {
	Upsert(ctx context.Context, s *domain.CandidateScore) error
}
