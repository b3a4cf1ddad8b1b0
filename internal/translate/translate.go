// Package translate turns search queries into English before embedding.
// Translation is best effort: any failure falls back to the original text.
package translate

import (
	"context"
	"fmt"
	"log/slog"

	gtranslate "cloud.google.com/go/translate"
	"golang.org/x/text/language"
)

// Translator renders text in English.
type Translator interface {
	ToEnglish(ctx context.Context, text string) (string, error)
}

// GoogleTranslator implements Translator over the Cloud Translation API.
type GoogleTranslator struct {
	client *gtranslate.Client
}

// NewGoogleTranslator wraps an existing Translation client.
func NewGoogleTranslator(client *gtranslate.Client) *GoogleTranslator {
	return &GoogleTranslator{client: client}
}

// ToEnglish translates text to English. Source language detection is left
// to the API; English input comes back unchanged.
func (g *GoogleTranslator) ToEnglish(ctx context.Context, text string) (string, error) {
	res, err := g.client.Translate(ctx, []string{text}, language.English, nil)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}

	if len(res) == 0 || res[0].Text == "" {
		return "", fmt.Errorf("translate: empty result for %q", text)
	}

	return res[0].Text, nil
}

// Query translates a search query for embedding. On a nil translator, a
// translation error or an empty result the original query is returned.
func Query(ctx context.Context, tr Translator, query string, logger *slog.Logger) string {
	if tr == nil || query == "" {
		return query
	}

	if logger == nil {
		logger = slog.Default()
	}

	translated, err := tr.ToEnglish(ctx, query)
	if err != nil {
		logger.Warn("query translation failed, using original",
			slog.String("query", query),
			slog.String("error", err.Error()))

		return query
	}

	return translated
}
