package in

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"intake_server/core/domain"
)

// TokenProvider hands out a usable access token for a connection.
type TokenProvider interface {
	GetValidAccessToken(ctx context.Context, connectionID int64) (*oauth2.Token, error)
}

// ConnectionService manages the mailbox connection lifecycle.
type ConnectionService interface {
	GetAuthURL(state string) string
	Connect(ctx context.Context, companyID uuid.UUID, authCode string) (*domain.MailboxConnection, error)
	Disconnect(ctx context.Context, connectionID int64) error
	SetCompanyDomain(ctx context.Context, connectionID int64, companyDomain string) error
}
