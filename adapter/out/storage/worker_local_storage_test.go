package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	company := uuid.New()
	ctx := context.Background()

	key, err := s.Upload(ctx, []byte("%PDF-1.4"), "../Jane Doe résumé.pdf", "application/pdf", company)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(key, company.String()+"/") || strings.Contains(key, "..") {
		t.Errorf("key = %q", key)
	}

	data, err := s.Download(ctx, key)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "%PDF-1.4" {
		t.Errorf("data = %q", data)
	}
}

func TestLocalStorageRejectsTraversal(t *testing.T) {
	s, _ := NewLocalStorage(t.TempDir())
	for _, key := range []string{"../../etc/passwd", "", "."} {
		if _, err := s.Download(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Download(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"resume.pdf":         "resume.pdf",
		"../../x.pdf":        "x.pdf",
		"Jane Doe (CV).docx": "Jane_Doe_CV_.docx",
		"...":                "file",
	}
	for in, want := range tests {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
