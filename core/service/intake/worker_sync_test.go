package intake

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

// =============================================================================
// Mocks
// =============================================================================

type markSyncedCall struct {
	id        int64
	at        time.Time
	historyID uint64
}

type mockConnectionRepository struct {
	mu     sync.Mutex
	conns  map[int64]*domain.MailboxConnection
	synced []markSyncedCall
}

func newMockConnectionRepository(conns ...*domain.MailboxConnection) *mockConnectionRepository {
	r := &mockConnectionRepository{conns: map[int64]*domain.MailboxConnection{}}
	for _, c := range conns {
		r.conns[c.ID] = c
	}
	return r
}

func (r *mockConnectionRepository) GetByID(ctx context.Context, id int64) (*domain.MailboxConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *c
	return &cp, nil
}

func (r *mockConnectionRepository) ListActiveByEmail(ctx context.Context, email string) ([]*domain.MailboxConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*domain.MailboxConnection
	for _, c := range r.conns {
		if c.IsActive && c.Email == email {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *mockConnectionRepository) ListActive(ctx context.Context) ([]*domain.MailboxConnection, error) {
	return nil, nil
}

func (r *mockConnectionRepository) ListAutoImport(ctx context.Context) ([]*domain.MailboxConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*domain.MailboxConnection
	for _, c := range r.conns {
		if c.IsActive && c.AutoImport {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *mockConnectionRepository) ListWatchRenewals(ctx context.Context, before time.Time) ([]*domain.MailboxConnection, error) {
	return nil, nil
}
func (r *mockConnectionRepository) ListTokenExpiring(ctx context.Context, before time.Time) ([]*domain.MailboxConnection, error) {
	return nil, nil
}
func (r *mockConnectionRepository) Upsert(ctx context.Context, conn *domain.MailboxConnection) error {
	return nil
}
func (r *mockConnectionRepository) UpdateTokens(ctx context.Context, id int64, access, refresh string, expiresAt time.Time) error {
	return nil
}
func (r *mockConnectionRepository) Deactivate(ctx context.Context, id int64) error { return nil }
func (r *mockConnectionRepository) SetCompanyDomain(ctx context.Context, id int64, d string) error {
	return nil
}
func (r *mockConnectionRepository) UpdateWatch(ctx context.Context, id int64, historyID *uint64, expiresAt *time.Time) error {
	return nil
}
func (r *mockConnectionRepository) Delete(ctx context.Context, id int64) error { return nil }

func (r *mockConnectionRepository) MarkSynced(ctx context.Context, id int64, at time.Time, historyID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, markSyncedCall{id: id, at: at, historyID: historyID})
	return nil
}

func (r *mockConnectionRepository) syncedFor(id int64) []markSyncedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []markSyncedCall
	for _, c := range r.synced {
		if c.id == id {
			result = append(result, c)
		}
	}
	return result
}

type mockInboundRepository struct {
	counts map[domain.InboundStatus]int
}

func (r *mockInboundRepository) ExistsByProviderID(ctx context.Context, id string) (bool, error) {
	return false, nil
}
func (r *mockInboundRepository) Create(ctx context.Context, rec *domain.InboundMessageRecord) error {
	return nil
}
func (r *mockInboundRepository) UpdateStatus(ctx context.Context, id int64, status domain.InboundStatus, reason *string) error {
	return nil
}
func (r *mockInboundRepository) CountByStatus(ctx context.Context, connectionID int64) (map[domain.InboundStatus]int, error) {
	return r.counts, nil
}
func (r *mockInboundRepository) RedactSkippedBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
func (r *mockInboundRepository) GetByProviderID(ctx context.Context, id string) (*domain.InboundMessageRecord, error) {
	return nil, nil
}

type mockSyncer struct {
	mu           sync.Mutex
	history      *out.ProviderHistoryResult
	historyErr   error
	unread       *out.ProviderHistoryResult
	historyCalls int
	unreadCalls  int
	unreadMax    int64
}

func (m *mockSyncer) ListHistory(ctx context.Context, token *oauth2.Token, startHistoryID uint64) (*out.ProviderHistoryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyCalls++
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history, nil
}

func (m *mockSyncer) ListUnread(ctx context.Context, token *oauth2.Token, maxResults int64) (*out.ProviderHistoryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreadCalls++
	m.unreadMax = maxResults
	return m.unread, nil
}

func (m *mockSyncer) Watch(ctx context.Context, token *oauth2.Token) (*out.ProviderWatchResponse, error) {
	return nil, nil
}
func (m *mockSyncer) StopWatch(ctx context.Context, token *oauth2.Token) error { return nil }

type mockReader struct {
	fetchErr map[string]error
}

func (m *mockReader) GetMessage(ctx context.Context, token *oauth2.Token, id string) (*out.ProviderMessage, error) {
	if err := m.fetchErr[id]; err != nil {
		return nil, err
	}
	return &out.ProviderMessage{ID: id, Subject: "Application " + id}, nil
}

func (m *mockReader) GetAttachment(ctx context.Context, token *oauth2.Token, messageID, attachmentID string) ([]byte, error) {
	return nil, nil
}

type mockTokens struct {
	err error
}

func (m *mockTokens) GetValidAccessToken(ctx context.Context, id int64) (*oauth2.Token, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &oauth2.Token{AccessToken: "at"}, nil
}

type mockProcessor struct {
	mu        sync.Mutex
	processed []string
	failIDs   map[string]bool
	// ids imported without a score
	scoreFailIDs map[string]bool
}

func (m *mockProcessor) Process(ctx context.Context, conn *domain.MailboxConnection, msg *out.ProviderMessage) (domain.ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, msg.ID)
	if m.failIDs[msg.ID] {
		return domain.ProcessResult{Status: domain.InboundFailed}, errors.New("boom")
	}
	res := domain.ProcessResult{Imported: true, Status: domain.InboundImported}
	if m.scoreFailIDs[msg.ID] {
		res.ScoringErr = errors.New("scoring unavailable")
	}
	return res, nil
}

type notification struct {
	companyID uuid.UUID
	eventType string
	payload   map[string]any
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (m *mockNotifier) Notify(ctx context.Context, companyID uuid.UUID, eventType string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, notification{companyID, eventType, payload})
	return nil
}

func cursor(v uint64) *uint64 { return &v }

func testConn(id int64, email string, historyID *uint64) *domain.MailboxConnection {
	return &domain.MailboxConnection{
		ID:         id,
		CompanyID:  uuid.New(),
		Email:      email,
		IsActive:   true,
		AutoImport: true,
		HistoryID:  historyID,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

type fixture struct {
	conns     *mockConnectionRepository
	syncer    *mockSyncer
	reader    *mockReader
	tokens    *mockTokens
	processor *mockProcessor
	notifier  *mockNotifier
	svc       *SyncService
}

func newFixture(conns ...*domain.MailboxConnection) *fixture {
	f := &fixture{
		conns:     newMockConnectionRepository(conns...),
		syncer:    &mockSyncer{unread: &out.ProviderHistoryResult{}},
		reader:    &mockReader{fetchErr: map[string]error{}},
		tokens:    &mockTokens{},
		processor: &mockProcessor{failIDs: map[string]bool{}},
		notifier:  &mockNotifier{},
	}
	f.svc = NewSyncService(f.conns, &mockInboundRepository{}, f.syncer, f.reader, f.tokens, f.processor, f.notifier, 10, 2)
	return f
}

// =============================================================================
// SyncConnection
// =============================================================================

func TestSyncConnectionAdvancesCursor(t *testing.T) {
	conn := testConn(1, "jobs@acme.com", cursor(100))
	f := newFixture(conn)
	f.syncer.history = &out.ProviderHistoryResult{MessageIDs: []string{"m1", "m2"}, HistoryID: 200}

	res, err := f.svc.SyncConnection(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncConnection: %v", err)
	}
	if res.Fetched != 2 || res.Imported != 2 || res.UsedFallback {
		t.Errorf("result = %+v", res)
	}

	calls := f.conns.syncedFor(1)
	if len(calls) != 1 || calls[0].historyID != 200 {
		t.Fatalf("MarkSynced calls = %+v, want one with cursor 200", calls)
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].eventType != domain.EventCandidatesImported {
		t.Errorf("notifications = %+v", f.notifier.sent)
	}
	if f.notifier.sent[0].payload["count"] != 2 {
		t.Errorf("count = %v, want 2", f.notifier.sent[0].payload["count"])
	}
}

func TestSyncConnectionWithoutMessagesKeepsCursor(t *testing.T) {
	conn := testConn(1, "jobs@acme.com", cursor(100))
	f := newFixture(conn)
	f.syncer.history = &out.ProviderHistoryResult{HistoryID: 300}

	before := time.Now()
	if _, err := f.svc.SyncConnection(context.Background(), 1); err != nil {
		t.Fatalf("SyncConnection: %v", err)
	}

	calls := f.conns.syncedFor(1)
	if len(calls) != 1 {
		t.Fatalf("MarkSynced calls = %d, want 1", len(calls))
	}
	if calls[0].historyID != 0 {
		t.Errorf("cursor = %d, want unchanged (0)", calls[0].historyID)
	}
	if calls[0].at.Before(before) {
		t.Error("lastSyncAt not moved")
	}
	if len(f.notifier.sent) != 0 {
		t.Errorf("unexpected notification: %+v", f.notifier.sent)
	}
}

func TestSyncConnectionFallback(t *testing.T) {
	tests := []struct {
		name       string
		cursor     *uint64
		historyErr error
		wantErr    bool
		wantUnread bool
	}{
		{
			name:       "no cursor lists unread",
			wantUnread: true,
		},
		{
			name:       "stale cursor falls back",
			cursor:     cursor(100),
			historyErr: out.NewProviderError("gmail", out.ProviderErrSyncRequired, "history too old", nil, false),
			wantUnread: true,
		},
		{
			name:       "not found falls back",
			cursor:     cursor(100),
			historyErr: out.NewProviderError("gmail", out.ProviderErrNotFound, "not found", nil, false),
			wantUnread: true,
		},
		{
			name:       "rate limit falls back",
			cursor:     cursor(100),
			historyErr: out.NewProviderError("gmail", out.ProviderErrRateLimit, "slow down", nil, true),
			wantUnread: true,
		},
		{
			name:       "server error aborts",
			cursor:     cursor(100),
			historyErr: out.NewProviderError("gmail", out.ProviderErrServer, "500", nil, true),
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(testConn(1, "jobs@acme.com", tt.cursor))
			f.syncer.historyErr = tt.historyErr
			f.syncer.unread = &out.ProviderHistoryResult{MessageIDs: []string{"u1"}, HistoryID: 500}

			res, err := f.svc.SyncConnection(context.Background(), 1)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if len(f.conns.syncedFor(1)) != 0 {
					t.Error("MarkSynced called on aborted sync")
				}
				return
			}
			if err != nil {
				t.Fatalf("SyncConnection: %v", err)
			}
			if (f.syncer.unreadCalls == 1) != tt.wantUnread || !res.UsedFallback {
				t.Errorf("unread calls = %d, UsedFallback = %v", f.syncer.unreadCalls, res.UsedFallback)
			}
			if f.syncer.unreadMax != 10 {
				t.Errorf("page size = %d, want 10", f.syncer.unreadMax)
			}
			if calls := f.conns.syncedFor(1); len(calls) != 1 || calls[0].historyID != 500 {
				t.Errorf("MarkSynced = %+v, want cursor 500", calls)
			}
		})
	}
}

func TestSyncConnectionIsolatesMessageFailures(t *testing.T) {
	f := newFixture(testConn(1, "jobs@acme.com", cursor(1)))
	f.syncer.history = &out.ProviderHistoryResult{MessageIDs: []string{"m1", "m2", "m3", "gone", "m4"}, HistoryID: 9}
	f.processor.failIDs["m2"] = true
	f.reader.fetchErr["gone"] = out.NewProviderError("gmail", out.ProviderErrNotFound, "deleted", nil, false)
	f.reader.fetchErr["m4"] = errors.New("connection reset")

	res, err := f.svc.SyncConnection(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncConnection: %v", err)
	}

	if got := strings.Join(f.processor.processed, ","); got != "m1,m2,m3" {
		t.Errorf("processed = %s, want m1,m2,m3 in order", got)
	}
	if res.Imported != 2 || res.Failed != 2 {
		t.Errorf("imported=%d failed=%d, want 2/2", res.Imported, res.Failed)
	}
	if calls := f.conns.syncedFor(1); len(calls) != 1 || calls[0].historyID != 9 {
		t.Errorf("MarkSynced = %+v", calls)
	}
}

func TestSyncConnectionCountsScoringFailures(t *testing.T) {
	f := newFixture(testConn(1, "jobs@acme.com", cursor(1)))
	f.syncer.history = &out.ProviderHistoryResult{MessageIDs: []string{"m1", "m2"}, HistoryID: 9}
	f.processor.scoreFailIDs = map[string]bool{"m2": true}

	res, err := f.svc.SyncConnection(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncConnection: %v", err)
	}
	if res.Imported != 2 || res.Failed != 0 || res.ScoringFailed != 1 {
		t.Errorf("imported=%d failed=%d scoring_failed=%d, want 2/0/1", res.Imported, res.Failed, res.ScoringFailed)
	}
}

func TestSyncConnectionAbortsWithoutToken(t *testing.T) {
	f := newFixture(testConn(1, "jobs@acme.com", cursor(1)))
	f.tokens.err = domain.ErrAuth

	_, err := f.svc.SyncConnection(context.Background(), 1)
	if !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if f.syncer.historyCalls+f.syncer.unreadCalls != 0 {
		t.Error("provider listed despite auth failure")
	}
	if len(f.conns.syncedFor(1)) != 0 {
		t.Error("MarkSynced called despite auth failure")
	}
}

func TestSyncConnectionRefusesInactive(t *testing.T) {
	conn := testConn(1, "jobs@acme.com", nil)
	conn.IsActive = false
	f := newFixture(conn)

	if _, err := f.svc.SyncConnection(context.Background(), 1); !errors.Is(err, domain.ErrConnectionInactive) {
		t.Fatalf("err = %v, want ErrConnectionInactive", err)
	}
}

// =============================================================================
// Triggers
// =============================================================================

func TestHandlePush(t *testing.T) {
	a := testConn(1, "jobs@acme.com", cursor(1))
	b := testConn(2, "jobs@acme.com", cursor(1))
	other := testConn(3, "hr@other.com", cursor(1))
	f := newFixture(a, b, other)
	f.syncer.history = &out.ProviderHistoryResult{}

	synced, err := f.svc.HandlePush(context.Background(), " Jobs@Acme.com", 42)
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if synced != 2 {
		t.Errorf("synced = %d, want 2", synced)
	}
	if len(f.conns.syncedFor(3)) != 0 {
		t.Error("unrelated connection synced")
	}

	synced, err = f.svc.HandlePush(context.Background(), "nobody@nowhere.com", 43)
	if err != nil || synced != 0 {
		t.Errorf("unknown address: synced=%d err=%v", synced, err)
	}
}

func TestPollAllIsolatesConnections(t *testing.T) {
	ok1 := testConn(1, "a@acme.com", nil)
	ok2 := testConn(2, "b@acme.com", nil)
	manual := testConn(3, "c@acme.com", nil)
	manual.AutoImport = false
	f := newFixture(ok1, ok2, manual)
	f.syncer.unread = &out.ProviderHistoryResult{MessageIDs: []string{"x"}, HistoryID: 7}

	res, err := f.svc.PollAll(context.Background())
	if err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if res.Connections != 2 || res.Synced != 2 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(f.conns.syncedFor(3)) != 0 {
		t.Error("auto-import off connection polled")
	}

	f.tokens.err = domain.ErrAuth
	res, err = f.svc.PollAll(context.Background())
	if err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if res.Failed != 2 || res.Synced != 0 {
		t.Errorf("result = %+v, want both failed", res)
	}
}

func TestStatus(t *testing.T) {
	conn := testConn(1, "jobs@acme.com", cursor(5))
	repo := newMockConnectionRepository(conn)
	inbound := &mockInboundRepository{counts: map[domain.InboundStatus]int{domain.InboundImported: 3, domain.InboundSkipped: 8}}
	svc := NewSyncService(repo, inbound, &mockSyncer{}, &mockReader{}, &mockTokens{}, &mockProcessor{}, nil, 0, 0)

	st, err := svc.Status(context.Background(), 1)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Email != "jobs@acme.com" || *st.HistoryID != 5 || st.MessageCounts[domain.InboundSkipped] != 8 {
		t.Errorf("status = %+v", st)
	}
}

type heldLocker struct {
	held     map[string]bool
	released []string
}

func (l *heldLocker) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return !l.held[key], nil
}
func (l *heldLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}
func (l *heldLocker) Release(ctx context.Context, key string) error {
	delete(l.held, key)
	l.released = append(l.released, key)
	return nil
}

func TestSyncConnectionSkipsWhenLocked(t *testing.T) {
	f := newFixture(testConn(1, "jobs@acme.com", cursor(100)), testConn(2, "hr@acme.com", cursor(100)))
	f.syncer.history = &out.ProviderHistoryResult{MessageIDs: []string{"m1"}, HistoryID: 101}
	locker := &heldLocker{held: map[string]bool{"sync:conn:1": true}}
	f.svc.WithLocker(locker)

	res, err := f.svc.SyncConnection(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncConnection: %v", err)
	}
	if !res.Skipped || len(f.conns.syncedFor(1)) != 0 {
		t.Errorf("locked connection synced: %+v", res)
	}

	res, err = f.svc.SyncConnection(context.Background(), 2)
	if err != nil || res.Skipped {
		t.Fatalf("SyncConnection(2) = %+v, %v", res, err)
	}
	if len(locker.released) != 1 || locker.released[0] != "sync:conn:2" {
		t.Errorf("released = %v", locker.released)
	}
}
