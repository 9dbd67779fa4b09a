package video

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opskb/knowledge"
	"opskb/llm"
	"opskb/store/objstore"
	"opskb/telemetry"
)

func TestParseProbeOutput(t *testing.T) {
	payload := []byte(`{
		"streams": [
			{"codec_type": "audio", "codec_name": "aac"},
			{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "avg_frame_rate": "30000/1001"}
		],
		"format": {"duration": "65.500000"}
	}`)
	meta, err := parseProbeOutput(payload)
	require.NoError(t, err)
	assert.Equal(t, 1920, meta.Width)
	assert.Equal(t, "h264", meta.Codec)
	assert.InDelta(t, 29.97, meta.FPS, 0.01)
	assert.Equal(t, 65*time.Second+500*time.Millisecond, meta.Duration)
}

func TestParseProbeOutputNoVideo(t *testing.T) {
	_, err := parseProbeOutput([]byte(`{"streams":[],"format":{}}`))
	assert.ErrorIs(t, err, ErrNoVideoStream)
}

func writeFrame(t *testing.T, dir string, index int, c color.Color, size int) Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	// A small patch keeps the hash stable across solid fills.
	for y := 0; y < size/4; y++ {
		for x := 0; x < size/4; x++ {
			img.Set(x, y, color.White)
		}
	}
	path := filepath.Join(dir, frameName(index))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, img, nil))
	require.NoError(t, f.Close())
	return Frame{Index: index, Timestamp: time.Duration(index) * time.Second, Path: path}
}

func frameName(index int) string {
	return "frame_" + strings.Repeat("0", 4) + string(rune('0'+index)) + ".jpg"
}

func TestFilterFramesDropsDuplicatesAndSmallFrames(t *testing.T) {
	dir := t.TempDir()
	frames := []Frame{
		writeFrame(t, dir, 0, color.RGBA{R: 200, G: 200, B: 200, A: 255}, 100),
		writeFrame(t, dir, 1, color.RGBA{R: 200, G: 200, B: 200, A: 255}, 100), // duplicate of 0
		writeFrame(t, dir, 2, color.RGBA{R: 10, G: 10, B: 10, A: 255}, 100),    // new state
		writeFrame(t, dir, 3, color.RGBA{R: 10, G: 10, B: 10, A: 255}, 40),     // below minimum size
	}

	res, err := FilterFrames(context.Background(), frames, &Metadata{Width: 100, Height: 100})
	require.NoError(t, err)

	require.Len(t, res.Filtered, 2)
	assert.Equal(t, 0, res.Filtered[0].Index)
	assert.Equal(t, 2, res.Filtered[1].Index)
	assert.Equal(t, map[int]int{1: 0}, res.DuplicateMap)
	assert.Len(t, res.All, 3)
}

func TestSSIMIdenticalAndOpposite(t *testing.T) {
	a := make([]float64, 64*64)
	b := make([]float64, 64*64)
	for i := range a {
		a[i] = float64(i % 256)
		b[i] = float64(i % 256)
	}
	assert.InDelta(t, 1.0, ssim(a, b), 1e-9)

	for i := range b {
		b[i] = 255 - a[i]
	}
	assert.Less(t, ssim(a, b), 0.5)
}

func TestSplitBatches(t *testing.T) {
	frames := make([]Frame, 25)
	for i := range frames {
		frames[i] = Frame{Index: i}
	}
	batches := SplitBatches(frames)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[2], 5)
	assert.Nil(t, SplitBatches(nil))
}

type stubVision struct{ text string }

func (s stubVision) Complete(context.Context, llm.Request) (llm.Response, error) {
	return llm.Response{Text: s.text}, nil
}
func (stubVision) Provider() string { return "stub" }

func TestAnalyzeBatchClaimCheck(t *testing.T) {
	dir := t.TempDir()
	frames := []Frame{
		writeFrame(t, dir, 0, color.RGBA{R: 100, A: 255}, 100),
		writeFrame(t, dir, 1, color.RGBA{R: 50, A: 255}, 100),
	}
	objects := objstore.NewMem()
	a, err := NewAnalyzer(stubVision{text: `{"screen_description":"Login form","visible_elements":["username","password"],"user_action":"clicks sign in"}`}, objects, telemetry.NewNoopLogger())
	require.NoError(t, err)

	key, err := a.AnalyzeBatch(context.Background(), frames)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	batch, err := LoadBatch(context.Background(), objects, key)
	require.NoError(t, err)
	require.Len(t, batch.Analyses, 2)
	assert.Equal(t, "Login form", batch.Analyses[0].Description)
	assert.Equal(t, "clicks sign in", batch.Analyses[1].UserAction)
}

func TestAnalyzeBatchWithoutVisionDegrades(t *testing.T) {
	objects := objstore.NewMem()
	a, err := NewAnalyzer(nil, objects, telemetry.NewNoopLogger())
	require.NoError(t, err)

	key, err := a.AnalyzeBatch(context.Background(), []Frame{{Index: 0}})
	require.NoError(t, err)
	batch, err := LoadBatch(context.Background(), objects, key)
	require.NoError(t, err)
	require.Len(t, batch.Analyses, 1)
	assert.NotEmpty(t, batch.Analyses[0].Error)
}

func TestAssembleExpandsDuplicatesAndSummarizes(t *testing.T) {
	ctx := context.Background()
	objects := objstore.NewMem()

	analyses := BatchResult{Analyses: []FrameAnalysis{
		{FrameIndex: 0, Timestamp: 0, Description: "Login form", UserAction: "clicks sign in"},
		{FrameIndex: 2, Timestamp: 2 * time.Second, Description: "Dashboard"},
	}}
	raw, err := json.Marshal(analyses)
	require.NoError(t, err)
	key, err := objects.Put(ctx, raw)
	require.NoError(t, err)

	res := Assemble(ctx, objects, AssembleInput{
		IngestionID: "ing-1",
		KnowledgeID: "kb1",
		JobID:       "j1",
		SourceName:  "walkthrough.mp4",
		Transcript: &llm.Transcript{
			Text: "Welcome to the walkthrough. Here is the dashboard.",
			Segments: []llm.TranscriptSegment{
				{Start: 0, End: time.Second, Text: "Welcome to the walkthrough."},
				{Start: time.Second, End: 3 * time.Second, Text: "Here is the dashboard."},
			},
		},
		BatchKeys: []string{key},
		Filter: &FilterResult{
			Filtered:     []Frame{{Index: 0}, {Index: 2, Timestamp: 2 * time.Second}},
			All:          []Frame{{Index: 0}, {Index: 1, Timestamp: time.Second}, {Index: 2, Timestamp: 2 * time.Second}},
			DuplicateMap: map[int]int{1: 0},
			Metadata:     &Metadata{Duration: 3 * time.Second, Width: 1280, Height: 720, Codec: "h264"},
		},
	})

	require.True(t, res.Success)
	types := map[knowledge.ChunkType]int{}
	for _, c := range res.Chunks {
		types[c.ChunkType]++
	}
	assert.Equal(t, 1, types[knowledge.ChunkVideoTranscription])
	// Frame 1 is a duplicate of frame 0, so three frame-analysis chunks.
	assert.Equal(t, 3, types[knowledge.ChunkVideoFrameAnalysis])
	// The action belongs only to the canonical frame.
	assert.Equal(t, 1, types[knowledge.ChunkVideoAction])
	assert.Equal(t, 1, types[knowledge.ChunkVideoSummary])
	assert.Equal(t, "1280x720", res.SourceMetadata["resolution"])

	var transcription, dupFrame string
	for _, c := range res.Chunks {
		switch {
		case c.ChunkType == knowledge.ChunkVideoTranscription:
			transcription = c.Content
		case c.ChunkType == knowledge.ChunkVideoFrameAnalysis && c.Metadata["frame_index"] == "1":
			dupFrame = c.Content
		}
	}
	// Segments render as time-stamped lines.
	assert.Contains(t, transcription, "[00:00:00 - 00:00:01] Welcome to the walkthrough.")
	assert.Contains(t, transcription, "[00:00:01 - 00:00:03] Here is the dashboard.")
	// The duplicate frame sits at 1s, inside the second segment.
	assert.Contains(t, dupFrame, "Narration: Here is the dashboard.")
}

func TestAssembleTranscriptionOnly(t *testing.T) {
	res := Assemble(context.Background(), objstore.NewMem(), AssembleInput{
		IngestionID: "ing-2",
		KnowledgeID: "kb1",
		JobID:       "j1",
		Transcript:  &llm.Transcript{Text: "Narration without any usable frames."},
		Filter:      &FilterResult{DuplicateMap: map[int]int{}},
		Errors:      []string{"frame extraction failed"},
	})
	assert.True(t, res.Success)
	assert.Contains(t, res.Errors, "frame extraction failed")
	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, knowledge.ChunkVideoTranscription, res.Chunks[0].ChunkType)
	// Without segments the plain text passes through unchanged.
	assert.Equal(t, "Narration without any usable frames.", res.Chunks[0].Content)
}
