// Package embed produces dense vectors for images and text queries. Two
// provider families are supported: a multimodal-native model that embeds
// text and image in one call, and a dual-call model that embeds each
// modality separately. Both fuse the pair into a single vector per image.
package embed

import (
	"context"
	"errors"
)

// ModelHint selects a model family within a provider. Providers map hints
// onto their own default model names.
type ModelHint string

const (
	HintTextV3       ModelHint = "text-v3"
	HintMultimodalV4 ModelHint = "multimodal-v4"
)

// ErrEmptyEmbedding reports that the provider returned no vector.
var ErrEmptyEmbedding = errors.New("embed: provider returned empty embedding")

// Provider is the embedding surface the sync engine and search path use.
type Provider interface {
	// EmbedText embeds a text query.
	EmbedText(ctx context.Context, text string, hint ModelHint) ([]float32, error)

	// EmbedMultimodal embeds an image together with its describing text
	// (typically the filename) and returns one fused vector.
	EmbedMultimodal(ctx context.Context, text string, image []byte, hint ModelHint) ([]float32, error)
}
