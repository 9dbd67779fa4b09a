package openai

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opskb/llm"
)

type fakeChat struct {
	lastReq  openai.ChatCompletionRequest
	lastAud  openai.AudioRequest
	response openai.ChatCompletionResponse
	audio    openai.AudioResponse
	err      error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	return f.response, f.err
}

func (f *fakeChat) CreateTranscription(_ context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	f.lastAud = req
	return f.audio, f.err
}

func TestCompleteTranslatesRequest(t *testing.T) {
	fake := &fakeChat{response: openai.ChatCompletionResponse{
		Model: "gpt-4o",
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Content: `{"screens":[]}`},
		}},
		Usage: openai.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), llm.Request{
		System:   "You extract screens.",
		Prompt:   "Chunk content here.",
		JSONMode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"screens":[]}`, resp.Text)
	assert.Equal(t, 120, resp.Usage.TotalTokens)

	require.Len(t, fake.lastReq.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, fake.lastReq.Messages[0].Role)
	require.NotNil(t, fake.lastReq.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, fake.lastReq.ResponseFormat.Type)
}

func TestCompleteEncodesImagesAsDataURLs(t *testing.T) {
	fake := &fakeChat{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "ok"}}},
	}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), llm.Request{
		Prompt: "Describe these frames.",
		Images: []llm.Image{{MediaType: "image/png", Data: []byte{1, 2, 3}}},
	})
	require.NoError(t, err)

	require.Len(t, fake.lastReq.Messages, 1)
	parts := fake.lastReq.Messages[0].MultiContent
	require.Len(t, parts, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, parts[0].Type)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, parts[1].Type)
	assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,"))
}

func TestCompleteRejectsEmptyRequest(t *testing.T) {
	c, err := New(Options{Client: &fakeChat{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), llm.Request{})
	assert.Error(t, err)
}

func TestCompleteMapsRateLimit(t *testing.T) {
	fake := &fakeChat{err: &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), llm.Request{Prompt: "hi"})
	assert.ErrorIs(t, err, llm.ErrRateLimited)
}

func TestTranscribeRequestsSegmentTimestamps(t *testing.T) {
	// Decode the verbose JSON shape through the SDK type so the fake
	// matches what the API returns.
	var audio openai.AudioResponse
	verbose := `{"text":"Open the dashboard. Click reports.",
		"segments":[
			{"start":0,"end":2.5,"text":" Open the dashboard."},
			{"start":2.5,"end":4,"text":" Click reports."}
		]}`
	require.NoError(t, json.Unmarshal([]byte(verbose), &audio))
	fake := &fakeChat{audio: audio}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	tr, err := c.Transcribe(context.Background(), "/tmp/audio.mp3")
	require.NoError(t, err)
	assert.Equal(t, openai.Whisper1, fake.lastAud.Model)
	assert.Equal(t, "/tmp/audio.mp3", fake.lastAud.FilePath)
	assert.Equal(t, openai.AudioResponseFormatVerboseJSON, fake.lastAud.Format)

	assert.Equal(t, "Open the dashboard. Click reports.", tr.Text)
	require.Len(t, tr.Segments, 2)
	assert.Equal(t, llm.TranscriptSegment{
		Start: 0, End: 2500 * time.Millisecond, Text: "Open the dashboard.",
	}, tr.Segments[0])
	assert.Equal(t, 4*time.Second, tr.Segments[1].End)
}
