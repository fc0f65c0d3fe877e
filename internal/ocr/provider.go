// Package ocr extracts on-screen text from scene frames through vision-model
// providers, with priority failover, per-provider pacing, and resumable
// batch processing.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/videolens/worker/internal/apperr"
	"github.com/videolens/worker/internal/ratelimit"
)

// Prompt is the extraction instruction sent with every frame. Providers must
// answer with a single JSON object.
const Prompt = `Extract all readable on-screen text from this video frame. ` +
	`Respond with a single JSON object: {"text": "<extracted text>", "confidence": <0..1>}. ` +
	`Prioritize subtitles in the bottom fifth of the frame and centered titles. ` +
	`Ignore text smaller than 3% of the screen height, background signage, ` +
	`watermarks, and channel logos. If there is no readable text, return ` +
	`{"text": "", "confidence": 1}.`

// Static errors for OCR provider operations.
var (
	// ErrProviderNameRequired is returned when a provider is created without a name.
	ErrProviderNameRequired = errors.New("ocr: provider name is required")
	// ErrBaseURLRequired is returned when the provider endpoint is not provided.
	ErrBaseURLRequired = errors.New("ocr: base URL is required")
	// ErrAPIKeyRequired is returned when no API key is configured.
	ErrAPIKeyRequired = errors.New("ocr: API key is required")
	// ErrNoProviders is returned when an engine is built without any provider.
	ErrNoProviders = errors.New("ocr: at least one provider is required")
)

// Result is one provider answer for a single frame.
type Result struct {
	Text       string
	Confidence float64
	Provider   string
	ElapsedMS  int64
}

// Provider performs OCR on a single image.
type Provider interface {
	// Name identifies the provider in logs and results.
	Name() string

	// Priority orders failover; lower values are tried first.
	Priority() int

	// MaxParallel bounds concurrent in-flight requests to this provider.
	MaxParallel() int

	// Limiter paces requests to this provider.
	Limiter() *ratelimit.Limiter

	// PerformOCR sends the frame and returns the extracted text.
	PerformOCR(ctx context.Context, imagePath string) (Result, error)
}

// HTTPProvider is the HTTP implementation of Provider.
type HTTPProvider struct {
	name        string
	priority    int
	maxParallel int
	baseURL     string
	apiKey      string
	model       string
	limiter     *ratelimit.Limiter
	httpClient  *http.Client
}

// ProviderOption is a function that configures an HTTPProvider.
type ProviderOption func(*HTTPProvider)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ProviderOption {
	return func(p *HTTPProvider) {
		p.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *HTTPProvider) {
		p.httpClient = c
	}
}

// WithModel sets the vision model identifier sent with each request.
func WithModel(model string) ProviderOption {
	return func(p *HTTPProvider) {
		p.model = model
	}
}

// WithPriority sets the failover priority; lower is tried first.
func WithPriority(prio int) ProviderOption {
	return func(p *HTTPProvider) {
		p.priority = prio
	}
}

// WithMaxParallel bounds concurrent requests to this provider.
func WithMaxParallel(n int) ProviderOption {
	return func(p *HTTPProvider) {
		p.maxParallel = n
	}
}

// NewHTTPProvider creates an OCR provider client paced by limiter.
func NewHTTPProvider(name, baseURL string, limiter *ratelimit.Limiter, opts ...ProviderOption) (*HTTPProvider, error) {
	if name == "" {
		return nil, ErrProviderNameRequired
	}
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	p := &HTTPProvider{
		name:        name,
		baseURL:     baseURL,
		maxParallel: 3,
		limiter:     limiter,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.apiKey == "" {
		return nil, ErrAPIKeyRequired
	}
	return p, nil
}

// Name identifies the provider.
func (p *HTTPProvider) Name() string { return p.name }

// Priority orders failover.
func (p *HTTPProvider) Priority() int { return p.priority }

// MaxParallel bounds concurrent requests.
func (p *HTTPProvider) MaxParallel() int { return p.maxParallel }

// Limiter paces requests.
func (p *HTTPProvider) Limiter() *ratelimit.Limiter { return p.limiter }

type ocrRequest struct {
	ImageBase64 string `json:"imageBase64"`
	Prompt      string `json:"prompt"`
	Model       string `json:"model,omitempty"`
}

type ocrResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// PerformOCR sends the frame and parses the model's JSON answer. HTTP
// failures are classified by status so the failover logic can distinguish
// transient from permanent errors.
func (p *HTTPProvider) PerformOCR(ctx context.Context, imagePath string) (Result, error) {
	started := time.Now()

	image, err := os.ReadFile(imagePath)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, "read frame", err)
	}

	reqBody := ocrRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		Prompt:      Prompt,
		Model:       p.model,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, "marshal OCR request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, "create OCR request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, apperr.Wrap(apperr.KindCancelled, "OCR request interrupted", ctx.Err())
		}
		return Result{}, apperr.Wrap(apperr.KindTransientExternal, "OCR request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindTransientExternal, "read OCR response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := apperr.FromHTTPStatus(resp.StatusCode)
		return Result{}, apperr.Newf(kind, "OCR provider %s returned status %d", p.name, resp.StatusCode)
	}

	var parsed ocrResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, apperr.Wrap(apperr.KindPermanentExternal, "unmarshal OCR response", err)
	}
	if parsed.Error != "" {
		return Result{}, apperr.Newf(apperr.KindPermanentExternal, "OCR provider %s: %s", p.name, parsed.Error)
	}

	text, confidence := ParseModelOutput(parsed.Output)
	return Result{
		Text:       text,
		Confidence: confidence,
		Provider:   p.name,
		ElapsedMS:  time.Since(started).Milliseconds(),
	}, nil
}

type modelAnswer struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ParseModelOutput extracts text and confidence from a model answer. Code
// fences around the JSON object are stripped; answers that are not valid
// JSON are treated as raw text with a conservative confidence.
func ParseModelOutput(output string) (string, float64) {
	trimmed := strings.TrimSpace(output)
	if after, ok := strings.CutPrefix(trimmed, "```json"); ok {
		trimmed = after
	} else if after, ok := strings.CutPrefix(trimmed, "```"); ok {
		trimmed = after
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	trimmed = strings.TrimSpace(trimmed)

	var answer modelAnswer
	if err := json.Unmarshal([]byte(trimmed), &answer); err == nil {
		if answer.Confidence < 0 {
			answer.Confidence = 0
		}
		if answer.Confidence > 1 {
			answer.Confidence = 1
		}
		return strings.TrimSpace(answer.Text), answer.Confidence
	}

	if trimmed == "" {
		return "", 1
	}
	return trimmed, 0.5
}
