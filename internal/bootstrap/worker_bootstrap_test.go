package bootstrap

import (
	"testing"
	"time"

	"intake_server/core/service/auth"
)

func TestTokenRefreshWindow(t *testing.T) {
	tests := []struct {
		spec string
		want time.Duration
	}{
		{"@every 30m", 30 * time.Minute},
		{"@every 2h", 2 * time.Hour},
		{"@hourly", time.Hour},
		{"*/15 * * * *", time.Hour},
		{"@every nonsense", time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			if got := tokenRefreshWindow(tt.spec); got != auth.RefreshMargin+tt.want {
				t.Errorf("tokenRefreshWindow(%q) = %v, want %v", tt.spec, got, auth.RefreshMargin+tt.want)
			}
		})
	}
}

var _ Enqueuer = (*Worker)(nil)
