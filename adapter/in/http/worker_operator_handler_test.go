package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"intake_server/core/domain"
	"intake_server/pkg/metrics"
)

type fakeStatus struct {
	known map[int64]bool
}

func (f *fakeStatus) Status(ctx context.Context, id int64) (*domain.ConnectionStatus, error) {
	if !f.known[id] {
		return nil, fmt.Errorf("get connection: %w", domain.ErrNotFound)
	}
	return &domain.ConnectionStatus{
		ConnectionID:  id,
		Email:         "jobs@acme.com",
		IsActive:      true,
		MessageCounts: map[domain.InboundStatus]int{domain.InboundImported: 2},
	}, nil
}

type fakeConnSyncer struct{ synced []int64 }

func (f *fakeConnSyncer) SyncConnection(ctx context.Context, id int64) (*domain.SyncResult, error) {
	f.synced = append(f.synced, id)
	return &domain.SyncResult{ConnectionID: id}, nil
}

type fakeConnections struct {
	connectErr   error
	disconnected []int64
	company      uuid.UUID
	domains      map[int64]string
}

func (f *fakeConnections) GetAuthURL(state string) string {
	return "https://accounts.google.com/o/oauth2/auth?state=" + state
}

func (f *fakeConnections) Connect(ctx context.Context, companyID uuid.UUID, code string) (*domain.MailboxConnection, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.company = companyID
	return &domain.MailboxConnection{ID: 9, CompanyID: companyID, Email: "jobs@acme.com", AutoImport: true}, nil
}

func (f *fakeConnections) SetCompanyDomain(ctx context.Context, id int64, d string) error {
	if d == "gmail.com" {
		return fmt.Errorf("company domain %q: %w", d, domain.ErrInvalidInput)
	}
	if id == 404 {
		return domain.ErrNotFound
	}
	if f.domains == nil {
		f.domains = map[int64]string{}
	}
	f.domains[id] = d
	return nil
}

func (f *fakeConnections) Disconnect(ctx context.Context, id int64) error {
	f.disconnected = append(f.disconnected, id)
	return nil
}

type fakeWatches struct{ err error }

func (f *fakeWatches) Establish(ctx context.Context, id int64) error { return f.err }
func (f *fakeWatches) Cancel(ctx context.Context, id int64) error    { return nil }

func newOperatorApp(h *OperatorHandler) *fiber.App {
	app := fiber.New()
	h.Register(app.Group("/internal"))
	return app
}

func TestOperatorStatus(t *testing.T) {
	h := NewOperatorHandler(&fakeStatus{known: map[int64]bool{1: true}}, &fakeConnSyncer{}, &fakeConnections{}, &fakeWatches{}, nil, nil)
	app := newOperatorApp(h)

	tests := []struct {
		path string
		want int
	}{
		{"/internal/connections/1/status", 200},
		{"/internal/connections/2/status", 404},
		{"/internal/connections/abc/status", 400},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	resp, _ := app.Test(httptest.NewRequest("GET", "/internal/connections/1/status", nil))
	body, _ := io.ReadAll(resp.Body)
	var out struct {
		Success bool `json:"success"`
		Data    struct {
			ConnectionID int64 `json:"connection_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if !out.Success || out.Data.ConnectionID != 1 {
		t.Errorf("body = %s", body)
	}
}

func TestOperatorSync(t *testing.T) {
	t.Run("queued on pool", func(t *testing.T) {
		enq := &fakeEnqueuer{}
		h := NewOperatorHandler(&fakeStatus{known: map[int64]bool{1: true}}, &fakeConnSyncer{}, &fakeConnections{}, &fakeWatches{}, nil, enq)
		resp, err := newOperatorApp(h).Test(httptest.NewRequest("POST", "/internal/connections/1/sync", nil))
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != fiber.StatusAccepted || len(enq.syncs) != 1 {
			t.Errorf("status = %d, syncs = %v", resp.StatusCode, enq.syncs)
		}
	})

	t.Run("pool full", func(t *testing.T) {
		h := NewOperatorHandler(&fakeStatus{known: map[int64]bool{1: true}}, &fakeConnSyncer{}, &fakeConnections{}, &fakeWatches{}, nil, &fakeEnqueuer{reject: true})
		resp, _ := newOperatorApp(h).Test(httptest.NewRequest("POST", "/internal/connections/1/sync", nil))
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})

	t.Run("detached without pool", func(t *testing.T) {
		syncer := &fakeConnSyncer{}
		h := NewOperatorHandler(&fakeStatus{known: map[int64]bool{1: true}}, syncer, &fakeConnections{}, &fakeWatches{}, nil, nil)
		h.detached = func(fn func()) { fn() }
		resp, _ := newOperatorApp(h).Test(httptest.NewRequest("POST", "/internal/connections/1/sync", nil))
		if resp.StatusCode != fiber.StatusAccepted || len(syncer.synced) != 1 {
			t.Errorf("status = %d, synced = %v", resp.StatusCode, syncer.synced)
		}
	})

	t.Run("unknown connection", func(t *testing.T) {
		enq := &fakeEnqueuer{}
		h := NewOperatorHandler(&fakeStatus{}, &fakeConnSyncer{}, &fakeConnections{}, &fakeWatches{}, nil, enq)
		resp, _ := newOperatorApp(h).Test(httptest.NewRequest("POST", "/internal/connections/7/sync", nil))
		if resp.StatusCode != fiber.StatusNotFound || len(enq.syncs) != 0 {
			t.Errorf("status = %d, syncs = %v", resp.StatusCode, enq.syncs)
		}
	})
}

func TestOperatorWatchFailureIsReported(t *testing.T) {
	h := NewOperatorHandler(&fakeStatus{known: map[int64]bool{1: true}}, &fakeConnSyncer{}, &fakeConnections{}, &fakeWatches{err: errors.New("topic missing")}, nil, nil)
	resp, _ := newOperatorApp(h).Test(httptest.NewRequest("POST", "/internal/connections/1/watch", nil))
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestOperatorDisconnect(t *testing.T) {
	conns := &fakeConnections{}
	h := NewOperatorHandler(&fakeStatus{}, &fakeConnSyncer{}, conns, &fakeWatches{}, nil, nil)
	resp, _ := newOperatorApp(h).Test(httptest.NewRequest("DELETE", "/internal/connections/4", nil))
	if resp.StatusCode != fiber.StatusNoContent || len(conns.disconnected) != 1 || conns.disconnected[0] != 4 {
		t.Errorf("status = %d, disconnected = %v", resp.StatusCode, conns.disconnected)
	}
}

func TestOperatorSetCompanyDomain(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"stored", "/internal/connections/4/company-domain", `{"company_domain":"acme.com"}`, fiber.StatusNoContent},
		{"webmail rejected", "/internal/connections/4/company-domain", `{"company_domain":"gmail.com"}`, fiber.StatusBadRequest},
		{"unknown connection", "/internal/connections/404/company-domain", `{"company_domain":"acme.com"}`, fiber.StatusNotFound},
		{"malformed body", "/internal/connections/4/company-domain", `{`, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conns := &fakeConnections{}
			h := NewOperatorHandler(&fakeStatus{}, &fakeConnSyncer{}, conns, &fakeWatches{}, nil, nil)
			req := httptest.NewRequest("PUT", tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := newOperatorApp(h).Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == fiber.StatusNoContent && conns.domains[4] != "acme.com" {
				t.Errorf("domains = %v", conns.domains)
			}
		})
	}
}

type fakeStateStore struct {
	states map[string]uuid.UUID
}

func (f *fakeStateStore) Issue(ctx context.Context, companyID uuid.UUID) (string, error) {
	state := "state-" + companyID.String()[:8]
	f.states[state] = companyID
	return state, nil
}

func (f *fakeStateStore) Consume(ctx context.Context, state string) (uuid.UUID, error) {
	id, ok := f.states[state]
	if !ok {
		return uuid.Nil, errors.New("invalid state")
	}
	delete(f.states, state)
	return id, nil
}

func TestOAuthConnectAndCallback(t *testing.T) {
	company := uuid.New()
	store := &fakeStateStore{states: map[string]uuid.UUID{}}
	conns := &fakeConnections{}
	app := fiber.New()
	NewOAuthHandler(conns, store).Register(app, app.Group("/internal"))

	resp, err := app.Test(httptest.NewRequest("GET", "/internal/oauth/connect?company_id="+company.String(), nil))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || !strings.Contains(string(body), "accounts.google.com") {
		t.Fatalf("connect: %d %s", resp.StatusCode, body)
	}

	state := "state-" + company.String()[:8]
	resp, _ = app.Test(httptest.NewRequest("GET", "/oauth/callback?code=abc&state="+state, nil))
	if resp.StatusCode != 200 {
		t.Fatalf("callback status = %d", resp.StatusCode)
	}
	if conns.company != company {
		t.Errorf("connected company = %s, want %s", conns.company, company)
	}

	// state is single use
	resp, _ = app.Test(httptest.NewRequest("GET", "/oauth/callback?code=abc&state="+state, nil))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("replayed state status = %d, want 400", resp.StatusCode)
	}
}

func TestOAuthCallbackErrors(t *testing.T) {
	store := &fakeStateStore{states: map[string]uuid.UUID{"s": uuid.New()}}
	app := fiber.New()
	NewOAuthHandler(&fakeConnections{connectErr: errors.New("exchange failed")}, store).Register(app, app.Group("/internal"))

	tests := []struct {
		name string
		path string
		want int
	}{
		{"provider error", "/oauth/callback?error=access_denied", 400},
		{"missing code", "/oauth/callback?state=s", 400},
		{"connect fails", "/oauth/callback?code=abc&state=s", 502},
		{"missing company", "/internal/oauth/connect", 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestReady(t *testing.T) {
	h := NewHealthHandler(map[string]HealthChecker{
		"postgres": HealthCheckFunc(func(ctx context.Context) error { return nil }),
		"redis":    HealthCheckFunc(func(ctx context.Context) error { return errors.New("refused") }),
	}, nil)
	app := fiber.New()
	h.Register(app)

	resp, _ := app.Test(httptest.NewRequest("GET", "/ready", nil))
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want 503", resp.StatusCode)
	}
	resp, _ = app.Test(httptest.NewRequest("GET", "/health", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestHealthReportsPools(t *testing.T) {
	h := NewHealthHandler(nil, nil).WithPool("postgres", func() metrics.PoolStats {
		return metrics.PoolStats{InUse: 24, MaxConns: 25}
	})
	app := fiber.New()
	h.Register(app)

	resp, _ := app.Test(httptest.NewRequest("GET", "/health", nil))
	var body struct {
		Pools map[string]metrics.PoolHealth `json:"pools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := body.Pools["postgres"].Status; got != metrics.PoolUnhealthy {
		t.Errorf("postgres pool = %q, want unhealthy", got)
	}
}
