package extract

import (
	"context"
	"strings"
	"testing"
)

func TestConfidence(t *testing.T) {
	resume := strings.Repeat("Senior Go engineer with seven years of distributed systems experience. ", 10)

	tests := []struct {
		name    string
		text    string
		minConf float64
		maxConf float64
	}{
		{name: "empty", text: "", minConf: 0, maxConf: 0},
		{name: "full resume", text: resume, minConf: 0.95, maxConf: 1},
		{name: "short", text: "John Smith", minConf: 0.01, maxConf: 0.1},
		{name: "binary noise", text: strings.Repeat("\x00\x01\x02\x03 ", 100), minConf: 0, maxConf: 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Confidence(tt.text)
			if got < tt.minConf || got > tt.maxConf {
				t.Errorf("Confidence = %.3f, want [%.2f, %.2f]", got, tt.minConf, tt.maxConf)
			}
		})
	}
}

func TestResolveMimeType(t *testing.T) {
	tests := []struct {
		filename, contentType, want string
	}{
		{"cv.pdf", "application/pdf", "application/pdf"},
		{"cv.pdf", "application/octet-stream", "application/pdf"},
		{"cv.docx", "", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		{"cv.txt", "application/octet-stream", "text/plain"},
		{"cv.pdf", "Application/PDF; name=cv.pdf", "application/pdf"},
	}
	for _, tt := range tests {
		if got := resolveMimeType(tt.filename, tt.contentType); got != tt.want {
			t.Errorf("resolveMimeType(%q, %q) = %q, want %q", tt.filename, tt.contentType, got, tt.want)
		}
	}
}

func TestExtractPlainText(t *testing.T) {
	e := NewDocconvExtractor()
	body := "Jane Doe\r\n\r\n\r\n  Backend   Engineer  \r\njane@example.com"

	res, err := e.Extract(context.Background(), []byte(body), "jane.txt", "text/plain")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != "Jane Doe\n\nBackend Engineer\njane@example.com" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Confidence <= 0 {
		t.Errorf("confidence = %v", res.Confidence)
	}
}

func TestExtractCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewDocconvExtractor().Extract(ctx, []byte("x"), "a.txt", "text/plain"); err == nil {
		t.Error("expected context error")
	}
}
