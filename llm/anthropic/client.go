// Package anthropic provides an llm.Client backed by the Anthropic Claude
// Messages API using github.com/anthropics/anthropic-sdk-go. It serves as
// the fallback provider behind the OpenAI adapter.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"opskb/llm"
)

const defaultMaxTokens = 4096

// jsonModeInstruction steers the model toward bare JSON output; the Messages
// API has no json_object response format.
const jsonModeInstruction = "Respond with a single valid JSON object and nothing else. No prose, no code fences."

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. Satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	Client MessagesClient
	// DefaultModel is used when Request.Model is empty.
	DefaultModel string
	// MaxTokens is the default completion cap, defaulting to 4096. The
	// Messages API requires an explicit cap on every call.
	MaxTokens int
}

// Client implements llm.Client on top of Claude Messages.
type Client struct {
	msg    MessagesClient
	model  string
	maxTok int
}

// New builds an Anthropic-backed client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{msg: opts.Client, model: opts.DefaultModel, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &ac.Messages, DefaultModel: defaultModel})
}

// Provider implements llm.Client.
func (c *Client) Provider() string { return "anthropic" }

// Complete issues a Messages.New request and concatenates the text blocks of
// the response.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.Prompt == "" && len(req.Images) == 0 {
		return llm.Response{}, errors.New("anthropic: prompt or images are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}

	blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(req.Images))
	for _, img := range req.Images {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		blocks = append(blocks, sdk.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(img.Data)))
	}
	if req.Prompt != "" {
		blocks = append(blocks, sdk.NewTextBlock(req.Prompt))
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
		Model:     sdk.Model(modelID),
	}
	system := req.System
	if req.JSONMode {
		if system != "" {
			system += "\n\n"
		}
		system += jsonModeInstruction
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return llm.Response{}, fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return llm.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	text := ""
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return llm.Response{
		Text:  text,
		Model: string(msg.Model),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}
