package out

import (
	"context"

	"github.com/google/uuid"
)

// FileStorage stores raw résumé bytes. The backend is picked at startup.
type FileStorage interface {
	Upload(ctx context.Context, data []byte, filename, contentType string, companyID uuid.UUID) (key string, err error)
	Download(ctx context.Context, key string) ([]byte, error)
}

// TextExtractor pulls plain text out of a document.
type TextExtractor interface {
	// Extract returns the text and a 0..1 confidence that it is usable.
	Extract(ctx context.Context, data []byte, filename, contentType string) (*ExtractedText, error)
}

// ExtractedText 추출 결과
type ExtractedText struct {
	Text       string
	Confidence float64
}
