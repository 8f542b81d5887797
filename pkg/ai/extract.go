package ai

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// Extractor pulls plain text out of a document.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (string, error)
}

// TypeLimited is implemented by extractors that only read some media types.
// Entries are exact types or "major/*" wildcards.
type TypeLimited interface {
	SupportedTypes() []string
}

// ReadableTypes narrows allowed to the media types ex can read. Extractors that do not
// declare a limit read everything.
func ReadableTypes(ex Extractor, allowed []string) []string {
	limited, ok := ex.(TypeLimited)
	if !ok {
		return allowed
	}

	readable := make([]string, 0, len(allowed))
	for _, candidate := range allowed {
		for _, supported := range limited.SupportedTypes() {
			if mediaTypeMatches(supported, candidate) {
				readable = append(readable, candidate)
				break
			}
		}
	}
	return readable
}

func mediaTypeMatches(pattern, mediaType string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if major, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(mediaType, major+"/")
	}
	return pattern == mediaType
}

// PlainTextExtractor accepts UTF-8 text documents only.
type PlainTextExtractor struct{}

func (PlainTextExtractor) SupportedTypes() []string {
	return []string{"text/*"}
}

func (PlainTextExtractor) Extract(_ context.Context, doc Document) (string, error) {
	if len(doc.Content) == 0 {
		return "", NewError(ReasonUnreadableDocument, errors.New("document is empty"))
	}

	detected := mimetype.Detect(doc.Content)
	if !mediaTypeMatches("text/*", detected.String()) {
		return "", NewError(ReasonUnreadableDocument, errors.New("unsupported content type "+detected.String()))
	}
	if !utf8.Valid(doc.Content) {
		return "", NewError(ReasonUnreadableDocument, errors.New("document is not valid utf-8"))
	}

	text := strings.TrimSpace(string(doc.Content))
	if text == "" {
		return "", NewError(ReasonUnreadableDocument, errors.New("document has no text"))
	}
	return text, nil
}
