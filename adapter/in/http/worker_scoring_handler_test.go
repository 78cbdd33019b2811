package http

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"intake_server/core/domain"
)

type fakeDispatcher struct {
	calls [][2]int64
	err   error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, candidateID, jobID int64) error {
	f.calls = append(f.calls, [2]int64{candidateID, jobID})
	return f.err
}

type fakeScoreEnqueuer struct {
	reject bool
	tasks  [][2]int64
}

func (f *fakeScoreEnqueuer) EnqueueScore(candidateID, jobID int64) bool {
	if f.reject {
		return false
	}
	f.tasks = append(f.tasks, [2]int64{candidateID, jobID})
	return true
}

func rescore(t *testing.T, h *ScoringHandler, path, body string) int {
	t.Helper()
	app := fiber.New()
	h.Register(app.Group("/internal"))
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode
}

func TestRescore(t *testing.T) {
	notFound := fmt.Errorf("get candidate: %w", domain.ErrNotFound)

	tests := []struct {
		name       string
		path       string
		body       string
		enqueuer   *fakeScoreEnqueuer
		dispatchEr error
		want       int
		dispatched int
		queued     int
	}{
		{name: "pool", path: "/internal/candidates/7/score", body: `{"job_id":3}`, enqueuer: &fakeScoreEnqueuer{}, want: 202, queued: 1},
		{name: "pool full", path: "/internal/candidates/7/score", body: `{"job_id":3}`, enqueuer: &fakeScoreEnqueuer{reject: true}, want: 503},
		{name: "dispatcher", path: "/internal/candidates/7/score", body: `{"job_id":3}`, want: 202, dispatched: 1},
		{name: "unknown candidate", path: "/internal/candidates/7/score", body: `{"job_id":3}`, dispatchEr: notFound, want: 404, dispatched: 1},
		{name: "bad id", path: "/internal/candidates/x/score", body: `{"job_id":3}`, want: 400},
		{name: "missing job", path: "/internal/candidates/7/score", body: `{}`, want: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{err: tt.dispatchEr}
			var h *ScoringHandler
			if tt.enqueuer != nil {
				h = NewScoringHandler(d, tt.enqueuer)
			} else {
				h = NewScoringHandler(d, nil)
			}

			if got := rescore(t, h, tt.path, tt.body); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
			if len(d.calls) != tt.dispatched {
				t.Errorf("dispatched %d, want %d", len(d.calls), tt.dispatched)
			}
			if tt.enqueuer != nil && len(tt.enqueuer.tasks) != tt.queued {
				t.Errorf("queued %d, want %d", len(tt.enqueuer.tasks), tt.queued)
			}
		})
	}
}
