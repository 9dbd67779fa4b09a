// Package llm defines the model-client abstraction the extractors and the
// exploration verifier call through. Providers live in llm/openai and
// llm/anthropic; composition (fallback, throttling) lives here so callers
// depend only on the Client interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"opskb/telemetry"
)

// ErrRateLimited marks provider rate-limit responses so retry policies can
// treat them as transient.
var ErrRateLimited = errors.New("llm: rate limited")

// Image is an inline image attachment for vision requests.
type Image struct {
	// MediaType is the MIME type, e.g. "image/jpeg".
	MediaType string
	// Data is the raw image bytes. Providers base64-encode as needed.
	Data []byte
}

// Request is a single completion call. Extractors fill System with the
// extraction instructions and Prompt with the chunk content.
type Request struct {
	// Model overrides the provider default when non-empty.
	Model string
	// System is the system prompt, may be empty.
	System string
	// Prompt is the user message text.
	Prompt string
	// Images are attached to the user message for vision analysis.
	Images []Image
	// MaxTokens caps the completion; providers apply their default when 0.
	MaxTokens int
	// Temperature, 0 means provider default.
	Temperature float32
	// JSONMode asks the provider for a single JSON object response.
	JSONMode bool
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the provider-agnostic completion result.
type Response struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// Client is implemented by provider adapters and by the composites below.
type Client interface {
	// Complete performs one completion call.
	Complete(ctx context.Context, req Request) (Response, error)
	// Provider names the backing provider for logging.
	Provider() string
}

// TranscriptSegment is one time-aligned span of a transcript.
type TranscriptSegment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Transcript is a transcription result: the full text plus the provider's
// time-aligned segments when it reports them.
type Transcript struct {
	Text     string              `json:"text"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
}

// Transcriber converts an audio file to text. The OpenAI adapter implements
// it with Whisper.
type Transcriber interface {
	// Transcribe returns the transcript of the audio file at path.
	Transcribe(ctx context.Context, path string) (*Transcript, error)
}

// Fallback routes calls to a primary client and retries once on a secondary
// when the primary fails. Any primary error triggers the fallback; the
// secondary's error is returned joined with the primary's when both fail.
type Fallback struct {
	primary   Client
	secondary Client
	lg        telemetry.Logger
}

// NewFallback builds a fallback composite. secondary may be nil, in which
// case the composite is a passthrough.
func NewFallback(primary, secondary Client, lg telemetry.Logger) (*Fallback, error) {
	if primary == nil {
		return nil, errors.New("primary client is required")
	}
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &Fallback{primary: primary, secondary: secondary, lg: lg}, nil
}

// Provider implements Client.
func (f *Fallback) Provider() string {
	if f.secondary == nil {
		return f.primary.Provider()
	}
	return fmt.Sprintf("%s+%s", f.primary.Provider(), f.secondary.Provider())
}

// Complete implements Client.
func (f *Fallback) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := f.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	if f.secondary == nil || ctx.Err() != nil {
		return Response{}, err
	}
	f.lg.Warn(ctx, "llm primary failed, falling back",
		"primary", f.primary.Provider(),
		"secondary", f.secondary.Provider(),
		"err", err)
	resp, ferr := f.secondary.Complete(ctx, req)
	if ferr != nil {
		return Response{}, errors.Join(err, ferr)
	}
	return resp, nil
}

// Throttled wraps a client with a token-bucket limiter so concurrent
// extractors share one provider budget.
type Throttled struct {
	inner   Client
	limiter *rate.Limiter
}

// NewThrottled allows rps requests per second with the given burst.
func NewThrottled(inner Client, rps float64, burst int) (*Throttled, error) {
	if inner == nil {
		return nil, errors.New("inner client is required")
	}
	if rps <= 0 {
		return nil, errors.New("rps must be positive")
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}, nil
}

// Provider implements Client.
func (t *Throttled) Provider() string { return t.inner.Provider() }

// Complete implements Client, blocking until the limiter admits the call.
func (t *Throttled) Complete(ctx context.Context, req Request) (Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}
	return t.inner.Complete(ctx, req)
}
