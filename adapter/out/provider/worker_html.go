package provider

import (
	"strings"

	"github.com/jaytaylor/html2text"

	"intake_server/pkg/logger"
)

// htmlToText renders an HTML-only body as plain text for the prefilter and
// classifier.
func htmlToText(html string) string {
	text, err := html2text.FromString(html, html2text.Options{OmitLinks: true})
	if err != nil {
		logger.WithError(err).Debug("[GmailAdapter] html2text failed, keeping raw html")
		return ""
	}
	return strings.TrimSpace(text)
}
