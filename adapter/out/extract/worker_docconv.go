// Package extract pulls résumé text out of uploaded documents.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"code.sajari.com/docconv"

	"intake_server/core/port/out"
)

// minWords is where length stops lowering confidence.
const minWords = 60

// DocconvExtractor implements out.TextExtractor with docconv.
type DocconvExtractor struct{}

func NewDocconvExtractor() *DocconvExtractor {
	return &DocconvExtractor{}
}

// Extract converts the document and scores how usable the text looks.
func (e *DocconvExtractor) Extract(ctx context.Context, data []byte, filename, contentType string) (*out.ExtractedText, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return &out.ExtractedText{}, nil
	}

	mimeType := resolveMimeType(filename, contentType)

	var text string
	if mimeType == "text/plain" {
		text = string(data)
	} else {
		res, err := docconv.Convert(bytes.NewReader(data), mimeType, false)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s (%s): %w", filename, mimeType, err)
		}
		text = res.Body
	}

	text = normalizeWhitespace(text)
	return &out.ExtractedText{Text: text, Confidence: Confidence(text)}, nil
}

// resolveMimeType prefers the extension when the declared type is generic.
func resolveMimeType(filename, contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if ct != "" && ct != "application/octet-stream" && ct != "binary/octet-stream" {
		return ct
	}
	if ext := strings.ToLower(filepath.Ext(filename)); ext == ".txt" {
		return "text/plain"
	}
	return docconv.MimeTypeByExtension(filename)
}

// Confidence is the share of letter/digit/space/punctuation runes, scaled
// down for very short texts. Scanned PDFs with no text layer score ~0.
func Confidence(text string) float64 {
	if text == "" {
		return 0
	}

	var good, total int
	for _, r := range text {
		if r == utf8.RuneError {
			total++
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || unicode.IsPunct(r) {
			good++
		}
	}
	ratio := float64(good) / float64(total)

	words := len(strings.Fields(text))
	lengthFactor := min(1.0, float64(words)/minWords)
	return ratio * lengthFactor
}

func normalizeWhitespace(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	kept := lines[:0]
	blank := false
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

var _ out.TextExtractor = (*DocconvExtractor)(nil)
