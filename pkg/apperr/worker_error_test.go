package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusBadRequest, CodeInvalidInput},
		{http.StatusUnauthorized, CodeUnauthorized},
		{http.StatusNotFound, CodeNotFound},
		{http.StatusRequestEntityTooLarge, CodeTooLarge},
		{http.StatusTooManyRequests, CodeRateLimited},
		{http.StatusBadGateway, CodeExternalError},
		{http.StatusServiceUnavailable, CodeUnavailable},
		{http.StatusTeapot, CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			if got := CodeForStatus(tt.status); got != tt.want {
				t.Errorf("CodeForStatus(%d) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestIsThroughWrapping(t *testing.T) {
	cause := errors.New("invalid_grant")
	err := fmt.Errorf("sync connection 4: %w", AuthFailed(4, cause))

	if !Is(err, CodeAuthFailed) {
		t.Error("wrapped AppError not matched")
	}
	if Is(err, CodeNotFound) {
		t.Error("matched the wrong code")
	}
	if !errors.Is(err, cause) {
		t.Error("cause lost")
	}

	var appErr *AppError
	errors.As(err, &appErr)
	if appErr.Details["connection_id"] != int64(4) {
		t.Errorf("details = %v", appErr.Details)
	}
}
