package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
)

// Default Cohere model names per hint.
const (
	DefaultCohereModel   = "embed-multilingual-v3.0"
	DefaultCohereModelV4 = "embed-v4.0"

	cohereBaseURL = "https://api.cohere.ai"
)

// Retry and backoff constants for the Cohere REST client.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// ErrCohereThrottled reports a rate-limit response that survived retries.
var ErrCohereThrottled = errors.New("embed: cohere rate limited")

// CohereProvider embeds via the Cohere REST API. Text and image are embedded
// with separate calls and fused afterward.
type CohereProvider struct {
	baseURL    string
	apiKey     string
	model      string
	modelV4    string
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// CohereOption adjusts a CohereProvider.
type CohereOption func(*CohereProvider)

// WithCohereBaseURL points the client at a different API host. Tests use
// this with httptest servers.
func WithCohereBaseURL(url string) CohereOption {
	return func(p *CohereProvider) { p.baseURL = url }
}

// WithCohereModels overrides the per-hint model names.
func WithCohereModels(model, modelV4 string) CohereOption {
	return func(p *CohereProvider) {
		if model != "" {
			p.model = model
		}

		if modelV4 != "" {
			p.modelV4 = modelV4
		}
	}
}

// NewCohereProvider builds a Cohere-backed provider.
func NewCohereProvider(apiKey string, httpClient *http.Client, logger *slog.Logger, opts ...CohereOption) *CohereProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	p := &CohereProvider{
		baseURL:    cohereBaseURL,
		apiKey:     apiKey,
		model:      DefaultCohereModel,
		modelV4:    DefaultCohereModelV4,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  sleepContext,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// modelFor maps a hint onto a configured model name.
func (p *CohereProvider) modelFor(hint ModelHint) string {
	if hint == HintMultimodalV4 {
		return p.modelV4
	}

	return p.model
}

type embedRequest struct {
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
	Texts     []string `json:"texts,omitempty"`
	Images    []string `json:"images,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedText embeds a search query, so the query-side input type applies.
func (p *CohereProvider) EmbedText(ctx context.Context, text string, hint ModelHint) ([]float32, error) {
	return p.embed(ctx, embedRequest{
		Model:     p.modelFor(hint),
		InputType: "search_query",
		Texts:     []string{text},
	})
}

// EmbedMultimodal embeds the filename as a document and the image bytes as a
// data URI, then fuses the pair. The URI's MIME subtype comes from the
// filename because the normalizer passes small PNG/GIF/WebP files through
// unconverted.
func (p *CohereProvider) EmbedMultimodal(ctx context.Context, text string, image []byte, hint ModelHint) ([]float32, error) {
	textVec, err := p.embed(ctx, embedRequest{
		Model:     p.modelFor(hint),
		InputType: "search_document",
		Texts:     []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: cohere text call: %w", err)
	}

	dataURI := "data:image/" + imageSubtype(text) + ";base64," +
		base64.StdEncoding.EncodeToString(image)

	imageVec, err := p.embed(ctx, embedRequest{
		Model:     p.modelFor(hint),
		InputType: "image",
		Images:    []string{dataURI},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: cohere image call: %w", err)
	}

	return Fuse(textVec, imageVec), nil
}

// embed posts one request to /v1/embed with retry on throttling and server
// errors.
func (p *CohereProvider) embed(ctx context.Context, req embedRequest) ([]float32, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("embed: encoding request: %w", err)
	}

	var attempt int
	for {
		vec, retryable, err := p.embedOnce(ctx, payload)
		if err == nil {
			return vec, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("embed: request canceled: %w", ctx.Err())
		}

		if !retryable || attempt >= maxRetries {
			return nil, err
		}

		backoff := calcBackoff(attempt)
		p.logger.Warn("retrying cohere embed",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := p.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, fmt.Errorf("embed: request canceled: %w", sleepErr)
		}

		attempt++
	}
}

func (p *CohereProvider) embedOnce(ctx context.Context, payload []byte) (vec []float32, retryable bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("embed: creating request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("embed: cohere request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("embed: reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if d := retryAfter(resp); d > 0 {
			if sleepErr := p.sleepFunc(ctx, d); sleepErr != nil {
				return nil, false, fmt.Errorf("embed: request canceled: %w", sleepErr)
			}
		}

		return nil, true, fmt.Errorf("%w: HTTP 429: %s", ErrCohereThrottled, body)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, true, fmt.Errorf("embed: cohere HTTP %d: %s", resp.StatusCode, body)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("embed: cohere HTTP %d: %s", resp.StatusCode, body)
	}

	var decoded embedResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, false, fmt.Errorf("embed: decoding response: %w", err)
	}

	if len(decoded.Embeddings) == 0 || len(decoded.Embeddings[0]) == 0 {
		return nil, false, ErrEmptyEmbedding
	}

	return decoded.Embeddings[0], false, nil
}

// imageSubtype infers the data-URI image subtype from a filename extension.
// Unknown extensions fall back to jpeg.
func imageSubtype(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".png":
		return "png"
	case ".gif":
		return "gif"
	case ".webp":
		return "webp"
	default:
		return "jpeg"
	}
}

// retryAfter parses a Retry-After header in seconds.
func retryAfter(resp *http.Response) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return 0
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// sleepContext waits for d or until the context is canceled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
