package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

func TestConnectStoresConnectionAndRunsHook(t *testing.T) {
	repo := newMockConnectionRepository()
	provider := &mockAuthenticator{profile: &out.ProviderProfile{Email: "Jobs@Acme.com", HistoryID: 4242}}
	svc := NewConnectionService(repo, provider)

	hookRan := make(chan int64, 1)
	svc.SetConnectHook(func(ctx context.Context, id int64) error {
		hookRan <- id
		return nil
	})

	companyID := uuid.New()
	conn, err := svc.Connect(context.Background(), companyID, "code")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if conn.ID == 0 || conn.Email != "jobs@acme.com" || !conn.IsActive || !conn.AutoImport {
		t.Errorf("unexpected connection: %+v", conn)
	}
	if conn.CompanyID != companyID {
		t.Errorf("CompanyID = %s, want %s", conn.CompanyID, companyID)
	}
	if conn.HistoryID == nil || *conn.HistoryID != 4242 {
		t.Errorf("HistoryID = %v, want 4242", conn.HistoryID)
	}

	select {
	case id := <-hookRan:
		if id != conn.ID {
			t.Errorf("hook got connection %d, want %d", id, conn.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect hook did not run")
	}
}

func TestDisconnectIsBestEffort(t *testing.T) {
	repo := newMockConnectionRepository(activeConn(7, time.Hour))
	provider := &mockAuthenticator{revokeErr: errors.New("revoke failed")}
	svc := NewConnectionService(repo, provider)

	var hookCalled bool
	svc.SetDisconnectHook(func(ctx context.Context, id int64) error {
		hookCalled = true
		return errors.New("provider stop failed")
	})

	if err := svc.Disconnect(context.Background(), 7); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !hookCalled {
		t.Error("disconnect hook not called")
	}
	if provider.revoked != 1 {
		t.Errorf("revoke calls = %d, want 1", provider.revoked)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != 7 {
		t.Errorf("deleted = %v, want [7]", repo.deleted)
	}
}

func TestSetCompanyDomain(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"normalized", " @ACME.com ", "acme.com", nil},
		{"cleared", "", "", nil},
		{"webmail rejected", "gmail.com", "", domain.ErrInvalidInput},
		{"address rejected", "hr@acme.com", "", domain.ErrInvalidInput},
		{"bare label rejected", "acme", "", domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockConnectionRepository(activeConn(7, time.Hour))
			svc := NewConnectionService(repo, &mockAuthenticator{})

			err := svc.SetCompanyDomain(context.Background(), 7, tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got := repo.conns[7].CompanyDomain; got != tt.want {
				t.Errorf("CompanyDomain = %q, want %q", got, tt.want)
			}
		})
	}

	svc := NewConnectionService(newMockConnectionRepository(), &mockAuthenticator{})
	if err := svc.SetCompanyDomain(context.Background(), 99, "acme.com"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown connection err = %v", err)
	}
}
