package llm

import (
	"errors"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

func TestTruncateBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		maxLen   int
		expected string
	}{
		{name: "short body", body: "Hello world", maxLen: 100, expected: "Hello world"},
		{name: "exact length", body: "Hello", maxLen: 5, expected: "Hello"},
		{name: "truncated", body: "Hello world, this is a long message", maxLen: 10, expected: "Hello worl..."},
		{name: "empty body", body: "", maxLen: 100, expected: ""},
		{name: "rune boundary", body: "résumé", maxLen: 2, expected: "r..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := truncateBody(tt.body, tt.maxLen)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "plain", raw: `{"is_job_application": true, "confidence": 85}`},
		{name: "fenced", raw: "```json\n{\"is_job_application\": true, \"confidence\": 85}\n```"},
		{name: "bare fence", raw: "```\n{\"is_job_application\": true, \"confidence\": 85}```"},
		{name: "garbage", raw: "I think this is an application", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp classifyResponse
			err := decodeJSON(tt.raw, &resp)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeJSON: %v", err)
			}
			if !resp.IsJobApplication || resp.Confidence != 85 {
				t.Errorf("decoded = %+v", resp)
			}
		})
	}
}

func TestClassifyResponseToDomain(t *testing.T) {
	pos := "  Backend Engineer "
	null := "null"

	tests := []struct {
		name     string
		resp     classifyResponse
		wantConf int
		wantPos  string
	}{
		{name: "position trimmed", resp: classifyResponse{IsJobApplication: true, Confidence: 85, DetectedPosition: &pos}, wantConf: 85, wantPos: "Backend Engineer"},
		{name: "null string", resp: classifyResponse{Confidence: 10, DetectedPosition: &null}, wantConf: 10},
		{name: "clamped high", resp: classifyResponse{Confidence: 140}, wantConf: 100},
		{name: "clamped low", resp: classifyResponse{Confidence: -5}, wantConf: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := tt.resp.toDomain()
			if cls.Confidence != tt.wantConf || cls.Source != "ai" {
				t.Errorf("cls = %+v", cls)
			}
			got := ""
			if cls.DetectedPosition != nil {
				got = *cls.DetectedPosition
			}
			if got != tt.wantPos {
				t.Errorf("position = %q, want %q", got, tt.wantPos)
			}
		})
	}
}

func TestNormalizeProfile(t *testing.T) {
	p := &domain.CandidateProfile{
		FirstName: " Jane ",
		Email:     " Jane@Example.COM ",
		Skills:    []string{"Go", "go", " ", "SQL"},
	}
	normalizeProfile(p)

	if p.FirstName != "Jane" || p.Email != "jane@example.com" {
		t.Errorf("profile = %+v", p)
	}
	if len(p.Skills) != 2 || p.Skills[0] != "Go" || p.Skills[1] != "SQL" {
		t.Errorf("skills = %v", p.Skills)
	}
	if p.Education == nil {
		t.Error("education should be an empty slice")
	}
}

func TestNormalizeScore(t *testing.T) {
	r := &out.ScoreResult{OverallScore: 120, SkillsScore: -3, Recommendation: "Definitely"}
	normalizeScore(r)
	if r.OverallScore != 100 || r.SkillsScore != 0 || r.Recommendation != "maybe" {
		t.Errorf("score = %+v", r)
	}

	r = &out.ScoreResult{Recommendation: " Strong_Yes "}
	normalizeScore(r)
	if r.Recommendation != "strong_yes" {
		t.Errorf("recommendation = %q", r.Recommendation)
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad request", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, false},
		{"rate limited", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"server", &openai.APIError{HTTPStatusCode: http.StatusBadGateway}, true},
		{"network", errors.New("dial tcp: timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isServerFailure(tt.err); got != tt.want {
				t.Errorf("isServerFailure = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapError(t *testing.T) {
	if err := wrapError(&openai.APIError{HTTPStatusCode: 401}); !out.IsProviderError(err, out.ProviderErrAuth) {
		t.Errorf("401 = %v", err)
	}
	if err := wrapError(&openai.APIError{HTTPStatusCode: 429}); !out.IsProviderError(err, out.ProviderErrRateLimit) {
		t.Errorf("429 = %v", err)
	}
}

func TestCostTracker(t *testing.T) {
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewCostTracker()
	tr.now = func() time.Time { return day }

	tr.Track("gpt-4o-mini", 1_000_000, 0)
	tr.Track("unknown-model", 500, 500)

	stats := tr.GetStats()
	if stats.RequestCount != 2 || stats.TotalTokens != 1_001_000 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TodayCost < 0.149 || stats.TodayCost > 0.151 {
		t.Errorf("today cost = %v, want 0.15", stats.TodayCost)
	}
}
