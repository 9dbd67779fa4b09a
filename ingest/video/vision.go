package video

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"opskb/llm"
	"opskb/llm/jsonx"
	"opskb/store/objstore"
	"opskb/telemetry"
)

// BatchSize is the number of frames per vision-analysis call. Batches are
// processed sequentially at the orchestration layer; frames within a batch
// run concurrently here.
const BatchSize = 10

const visionSystemPrompt = `You analyze screenshots from a screen recording of a web application.
For each frame describe the visible screen and any user action in progress.
Return a JSON object: {"screen_description": string, "visible_elements": [string], "user_action": string}.
user_action is an empty string when nothing is happening.`

// FrameAnalysis is the vision result for one frame.
type FrameAnalysis struct {
	FrameIndex  int           `json:"frame_index"`
	Timestamp   time.Duration `json:"timestamp"`
	Description string        `json:"description"`
	Elements    []string      `json:"elements,omitempty"`
	UserAction  string        `json:"user_action,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// BatchResult is what one batch activity stores in the object store.
type BatchResult struct {
	Analyses []FrameAnalysis `json:"analyses"`
}

// Analyzer runs batched vision analysis behind the claim-check store.
type Analyzer struct {
	vision  llm.Client
	objects objstore.Store
	lg      telemetry.Logger
}

// NewAnalyzer builds an Analyzer. vision may be nil when no vision API is
// configured; AnalyzeBatch then returns an empty result with a warning.
func NewAnalyzer(vision llm.Client, objects objstore.Store, lg telemetry.Logger) (*Analyzer, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &Analyzer{vision: vision, objects: objects, lg: lg}, nil
}

// AnalyzeBatch analyzes up to BatchSize frames concurrently, stores the
// combined result in the object store and returns only the claim key.
// Per-frame failures are recorded on the frame's analysis entry; they never
// fail the batch.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, frames []Frame) (string, error) {
	if len(frames) > BatchSize {
		return "", fmt.Errorf("batch of %d exceeds limit %d", len(frames), BatchSize)
	}
	analyses := make([]FrameAnalysis, len(frames))
	if a.vision == nil {
		a.lg.Warn(ctx, "vision client not configured, skipping frame analysis", "frames", len(frames))
		for i, f := range frames {
			analyses[i] = FrameAnalysis{FrameIndex: f.Index, Timestamp: f.Timestamp, Error: "vision client not configured"}
		}
		return a.put(ctx, analyses)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, frame := range frames {
		g.Go(func() error {
			analyses[i] = a.analyzeFrame(gctx, frame)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return a.put(ctx, analyses)
}

func (a *Analyzer) analyzeFrame(ctx context.Context, frame Frame) FrameAnalysis {
	out := FrameAnalysis{FrameIndex: frame.Index, Timestamp: frame.Timestamp}
	data, err := os.ReadFile(frame.Path)
	if err != nil {
		out.Error = fmt.Sprintf("read frame: %v", err)
		return out
	}
	resp, err := a.vision.Complete(ctx, llm.Request{
		System:   visionSystemPrompt,
		Prompt:   fmt.Sprintf("Frame %d at %s.", frame.Index, frame.Timestamp),
		Images:   []llm.Image{{MediaType: "image/jpeg", Data: data}},
		JSONMode: true,
	})
	if err != nil {
		out.Error = fmt.Sprintf("vision call: %v", err)
		return out
	}
	var parsed struct {
		ScreenDescription string   `json:"screen_description"`
		VisibleElements   []string `json:"visible_elements"`
		UserAction        string   `json:"user_action"`
	}
	if err := jsonx.Decode(resp.Text, &parsed); err != nil {
		// Keep the raw text as the description rather than losing the frame.
		out.Description = resp.Text
		return out
	}
	out.Description = parsed.ScreenDescription
	out.Elements = parsed.VisibleElements
	out.UserAction = parsed.UserAction
	return out
}

func (a *Analyzer) put(ctx context.Context, analyses []FrameAnalysis) (string, error) {
	raw, err := json.Marshal(BatchResult{Analyses: analyses})
	if err != nil {
		return "", fmt.Errorf("marshal batch result: %w", err)
	}
	key, err := a.objects.Put(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("store batch result: %w", err)
	}
	return key, nil
}

// LoadBatch reads one batch result back by claim key.
func LoadBatch(ctx context.Context, objects objstore.Store, key string) (*BatchResult, error) {
	raw, err := objects.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", key, err)
	}
	var res BatchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", key, err)
	}
	return &res, nil
}

// SplitBatches cuts the filtered frame list into BatchSize groups preserving
// order.
func SplitBatches(frames []Frame) [][]Frame {
	if len(frames) == 0 {
		return nil
	}
	var out [][]Frame
	for start := 0; start < len(frames); start += BatchSize {
		end := start + BatchSize
		if end > len(frames) {
			end = len(frames)
		}
		out = append(out, frames[start:end])
	}
	return out
}
