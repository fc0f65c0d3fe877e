package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/videolens/worker/internal/apperr"
)

// Static errors for transcription provider operations.
var (
	// ErrBaseURLRequired is returned when the provider endpoint is not provided.
	ErrBaseURLRequired = errors.New("transcribe: base URL is required")
	// ErrAPIKeyRequired is returned when no API key is configured.
	ErrAPIKeyRequired = errors.New("transcribe: API key is required")
	// ErrEmptyResponse is returned when the provider responds without a transcript field.
	ErrEmptyResponse = errors.New("transcribe: provider returned no transcript")
)

// Result is one provider response for a single audio slice.
type Result struct {
	Text       string
	Confidence float64
}

// Provider transcribes a single audio file.
type Provider interface {
	// Name identifies the provider in logs and status metadata.
	Name() string

	// Transcribe sends the audio file and returns the transcript.
	Transcribe(ctx context.Context, audioPath string) (Result, error)
}

// HTTPProvider is the HTTP implementation of Provider.
type HTTPProvider struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
}

// ClientOption is a function that configures an HTTPProvider.
type ClientOption func(*HTTPProvider)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ClientOption {
	return func(p *HTTPProvider) {
		p.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(p *HTTPProvider) {
		p.httpClient = c
	}
}

// WithModel sets the ASR model identifier sent with each request.
func WithModel(model string) ClientOption {
	return func(p *HTTPProvider) {
		p.model = model
	}
}

// WithLanguage pins the transcription language instead of auto-detection.
func WithLanguage(lang string) ClientOption {
	return func(p *HTTPProvider) {
		p.language = lang
	}
}

// NewHTTPProvider creates an ASR provider client. The API key can be set via
// WithAPIKey; if not provided it is read from ASR_API_KEY.
func NewHTTPProvider(name, baseURL string, opts ...ClientOption) (*HTTPProvider, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	p := &HTTPProvider{
		name:       name,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.apiKey == "" {
		p.apiKey = os.Getenv("ASR_API_KEY")
	}
	if p.apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	return p, nil
}

// Name identifies the provider.
func (p *HTTPProvider) Name() string {
	return p.name
}

type transcribeRequest struct {
	AudioBase64 string `json:"audioBase64"`
	Format      string `json:"format"`
	Model       string `json:"model,omitempty"`
	Language    string `json:"language,omitempty"`
}

type transcribeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// Transcribe sends the audio file and returns the transcript. HTTP failures
// are classified by status so the caller's retry policy can distinguish
// transient from permanent errors.
func (p *HTTPProvider) Transcribe(ctx context.Context, audioPath string) (Result, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, "read audio slice", err)
	}

	reqBody := transcribeRequest{
		AudioBase64: base64.StdEncoding.EncodeToString(audio),
		Format:      "wav",
		Model:       p.model,
		Language:    p.language,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, "marshal transcription request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, "create transcription request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, apperr.Wrap(apperr.KindCancelled, "transcription request interrupted", ctx.Err())
		}
		return Result{}, apperr.Wrap(apperr.KindTransientExternal, "transcription request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindTransientExternal, "read transcription response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := apperr.FromHTTPStatus(resp.StatusCode)
		return Result{}, apperr.Newf(kind, "transcription provider %s returned status %d: %s",
			p.name, resp.StatusCode, truncate(string(respBody), 512))
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, apperr.Wrap(apperr.KindPermanentExternal, "unmarshal transcription response", err)
	}
	if parsed.Error != "" {
		return Result{}, apperr.Newf(apperr.KindPermanentExternal, "transcription provider %s: %s", p.name, parsed.Error)
	}
	if parsed.Text == "" && parsed.Confidence == 0 {
		return Result{}, fmt.Errorf("%w (provider %s)", ErrEmptyResponse, p.name)
	}

	return Result{Text: parsed.Text, Confidence: parsed.Confidence}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
