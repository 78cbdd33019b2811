package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"google.golang.org/api/idtoken"
)

type fakePushSyncer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakePushSyncer) HandlePush(ctx context.Context, address string, cursor uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, address)
	return 1, nil
}

type fakeLocker struct {
	seen map[string]bool
	err  error
}

func (f *fakeLocker) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}
func (f *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeLocker) Release(ctx context.Context, key string) error { return nil }

type fakeEnqueuer struct {
	reject bool
	pushes []string
	syncs  []int64
}

func (f *fakeEnqueuer) EnqueuePush(address string, cursor uint64) bool {
	if f.reject {
		return false
	}
	f.pushes = append(f.pushes, address)
	return true
}

func (f *fakeEnqueuer) EnqueueSync(id int64) bool {
	if f.reject {
		return false
	}
	f.syncs = append(f.syncs, id)
	return true
}

type fakeValidator struct{ ok bool }

func (f fakeValidator) Validate(ctx context.Context, token, audience string) (*idtoken.Payload, error) {
	if !f.ok || token != "good" {
		return nil, errors.New("bad token")
	}
	return &idtoken.Payload{Audience: audience}, nil
}

func pushBody(data string) []byte {
	enc := base64.StdEncoding.EncodeToString([]byte(data))
	return []byte(`{"message":{"data":"` + enc + `","messageId":"1"},"subscription":"s"}`)
}

func newPushApp(h *PushHandler) *fiber.App {
	app := fiber.New()
	h.Register(app)
	return app
}

func TestDecodePush(t *testing.T) {
	tests := []struct {
		name       string
		body       []byte
		wantAddr   string
		wantCursor uint64
		wantErr    bool
	}{
		{"numeric cursor", pushBody(`{"emailAddress":"Jobs@Acme.com","historyId":12345}`), "jobs@acme.com", 12345, false},
		{"string cursor", pushBody(`{"emailAddress":"jobs@acme.com","historyId":"99"}`), "jobs@acme.com", 99, false},
		{"not json", []byte(`nope`), "", 0, true},
		{"empty data", []byte(`{"message":{"data":""}}`), "", 0, true},
		{"bad base64", []byte(`{"message":{"data":"%%%"}}`), "", 0, true},
		{"missing address", pushBody(`{"historyId":1}`), "", 0, true},
		{"bad cursor", pushBody(`{"emailAddress":"a@b.c","historyId":"x"}`), "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, cursor, err := decodePush(tt.body)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, errMalformed) {
					t.Errorf("err %v is not errMalformed", err)
				}
				return
			}
			if addr != tt.wantAddr || cursor != tt.wantCursor {
				t.Errorf("got (%q, %d), want (%q, %d)", addr, cursor, tt.wantAddr, tt.wantCursor)
			}
		})
	}
}

func TestPushAcksMalformedPayloads(t *testing.T) {
	syncer := &fakePushSyncer{}
	enq := &fakeEnqueuer{}
	app := newPushApp(NewPushHandler(syncer, nil, enq, nil, PushConfig{}))

	req := httptest.NewRequest("POST", "/push/gmail", bytes.NewReader([]byte(`garbage`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if len(enq.pushes) != 0 {
		t.Error("malformed payload was enqueued")
	}
}

func TestPushDeduplicatesByAddressAndCursor(t *testing.T) {
	enq := &fakeEnqueuer{}
	locker := &fakeLocker{seen: map[string]bool{}}
	app := newPushApp(NewPushHandler(&fakePushSyncer{}, locker, enq, nil, PushConfig{}))

	body := pushBody(`{"emailAddress":"jobs@acme.com","historyId":5}`)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/push/gmail", bytes.NewReader(body)))
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("delivery %d: status %d", i, resp.StatusCode)
		}
	}
	if len(enq.pushes) != 1 {
		t.Errorf("enqueued %d times, want 1", len(enq.pushes))
	}

	// new cursor for the same address is a new notification
	next := pushBody(`{"emailAddress":"jobs@acme.com","historyId":6}`)
	if _, err := app.Test(httptest.NewRequest("POST", "/push/gmail", bytes.NewReader(next))); err != nil {
		t.Fatal(err)
	}
	if len(enq.pushes) != 2 {
		t.Errorf("enqueued %d times, want 2", len(enq.pushes))
	}
}

func TestPushProcessesWhenLockerFails(t *testing.T) {
	enq := &fakeEnqueuer{}
	locker := &fakeLocker{err: errors.New("redis down")}
	app := newPushApp(NewPushHandler(&fakePushSyncer{}, locker, enq, nil, PushConfig{}))

	body := pushBody(`{"emailAddress":"jobs@acme.com","historyId":5}`)
	if _, err := app.Test(httptest.NewRequest("POST", "/push/gmail", bytes.NewReader(body))); err != nil {
		t.Fatal(err)
	}
	if len(enq.pushes) != 1 {
		t.Errorf("enqueued %d, want 1", len(enq.pushes))
	}
}

func TestPushRunsDetachedWithoutPool(t *testing.T) {
	syncer := &fakePushSyncer{}
	h := NewPushHandler(syncer, nil, nil, nil, PushConfig{})
	h.detached = func(fn func()) { fn() }
	app := newPushApp(h)

	body := pushBody(`{"emailAddress":"jobs@acme.com","historyId":5}`)
	resp, err := app.Test(httptest.NewRequest("POST", "/push/gmail", bytes.NewReader(body)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if len(syncer.calls) != 1 || syncer.calls[0] != "jobs@acme.com" {
		t.Errorf("calls = %v", syncer.calls)
	}
}

func TestPushAuthentication(t *testing.T) {
	body := pushBody(`{"emailAddress":"jobs@acme.com","historyId":5}`)
	tests := []struct {
		name   string
		cfg    PushConfig
		valid  bool
		path   string
		bearer string
		want   int
	}{
		{name: "no auth configured", path: "/push/gmail", want: 200},
		{name: "verify token ok", cfg: PushConfig{VerifyToken: "s3cret"}, path: "/push/gmail?token=s3cret", want: 200},
		{name: "verify token wrong", cfg: PushConfig{VerifyToken: "s3cret"}, path: "/push/gmail?token=nope", want: 401},
		{name: "oidc ok", cfg: PushConfig{Audience: "https://intake"}, valid: true, path: "/push/gmail", bearer: "good", want: 200},
		{name: "oidc missing bearer", cfg: PushConfig{Audience: "https://intake"}, valid: true, path: "/push/gmail", want: 401},
		{name: "oidc invalid", cfg: PushConfig{Audience: "https://intake"}, path: "/push/gmail", bearer: "good", want: 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enq := &fakeEnqueuer{}
			app := newPushApp(NewPushHandler(&fakePushSyncer{}, nil, enq, fakeValidator{ok: tt.valid}, tt.cfg))
			req := httptest.NewRequest("POST", tt.path, bytes.NewReader(body))
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want == 401 && len(enq.pushes) != 0 {
				t.Error("unauthorized push was enqueued")
			}
		})
	}
}
