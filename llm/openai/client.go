// Package openai provides an llm.Client backed by the OpenAI Chat
// Completions API using github.com/sashabaranov/go-openai. It also
// implements llm.Transcriber on Whisper for the video ingestion audio track.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"opskb/llm"
)

// ChatClient captures the subset of the go-openai client used by the
// adapter. Satisfied by *openai.Client; tests substitute fakes.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (
		openai.AudioResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client ChatClient
	// DefaultModel is used when Request.Model is empty.
	DefaultModel string
	// TranscriptionModel defaults to whisper-1.
	TranscriptionModel string
	// MaxTokens is the default completion cap when a request does not set
	// MaxTokens. Zero leaves the cap to the provider.
	MaxTokens int
}

// Client implements llm.Client and llm.Transcriber via the OpenAI API.
type Client struct {
	chat       ChatClient
	model      string
	transcribe string
	maxTok     int
}

// New builds an OpenAI-backed client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	transcribe := opts.TranscriptionModel
	if transcribe == "" {
		transcribe = openai.Whisper1
	}
	return &Client{
		chat:       opts.Client,
		model:      opts.DefaultModel,
		transcribe: transcribe,
		maxTok:     opts.MaxTokens,
	}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Provider implements llm.Client.
func (c *Client) Provider() string { return "openai" }

// Complete renders a chat completion. Image attachments become data-URL
// vision parts on the user message; JSONMode requests the json_object
// response format.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.Prompt == "" && len(req.Images) == 0 {
		return llm.Response{}, errors.New("openai: prompt or images are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, userMessage(req))

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSONMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		if isRateLimited(err) {
			return llm.Response{}, fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return llm.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return llm.Response{}, errors.New("openai: response has no choices")
	}
	return llm.Response{
		Text:  response.Choices[0].Message.Content,
		Model: response.Model,
		Usage: llm.Usage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
			TotalTokens:  response.Usage.TotalTokens,
		},
	}, nil
}

func userMessage(req llm.Request) openai.ChatCompletionMessage {
	if len(req.Images) == 0 {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		}
	}
	parts := make([]openai.ChatMessagePart, 0, 1+len(req.Images))
	if req.Prompt != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: req.Prompt,
		})
	}
	for _, img := range req.Images {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(img.Data)),
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

// Transcribe implements llm.Transcriber with Whisper. The verbose JSON
// response format carries per-segment timestamps which downstream assembly
// aligns with frame analyses.
func (c *Client) Transcribe(ctx context.Context, path string) (*llm.Transcript, error) {
	if path == "" {
		return nil, errors.New("openai: audio path is required")
	}
	resp, err := c.chat.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcribe,
		FilePath: path,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai transcription: %w", err)
	}
	tr := &llm.Transcript{Text: resp.Text}
	for _, seg := range resp.Segments {
		tr.Segments = append(tr.Segments, llm.TranscriptSegment{
			Start: secondsToDuration(seg.Start),
			End:   secondsToDuration(seg.End),
			Text:  strings.TrimSpace(seg.Text),
		})
	}
	return tr, nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429
	}
	// go-openai wraps some 429s without a typed error.
	return strings.Contains(err.Error(), "429")
}
