package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"opskb/llm"
	"opskb/telemetry"
)

// Pipeline bundles the video ingestion collaborators for the activity
// layer. Each method corresponds to one activity; orchestration (fan-out,
// sequencing, claim-key bookkeeping) stays out of this package.
type Pipeline struct {
	Prober        Prober
	Extractor     Extractor
	Transcriber   llm.Transcriber
	Analyzer      *Analyzer
	FrameInterval time.Duration
	// WorkDir hosts per-video scratch directories; os.TempDir when empty.
	WorkDir string
	Logger  telemetry.Logger
}

func (p *Pipeline) lg() telemetry.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return telemetry.NewNoopLogger()
}

func (p *Pipeline) workDirFor(ingestionID string) (string, error) {
	base := p.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "video-"+ingestionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

// Transcribe demuxes the audio track and runs it through the transcription
// collaborator. A missing transcriber or a demux failure yields no
// transcript and an error the caller records as a degradation.
func (p *Pipeline) Transcribe(ctx context.Context, videoPath, ingestionID string) (*llm.Transcript, error) {
	if p.Transcriber == nil {
		return nil, errors.New("transcriber not configured")
	}
	dir, err := p.workDirFor(ingestionID)
	if err != nil {
		return nil, err
	}
	audioPath := filepath.Join(dir, "audio.mp3")
	if err := p.Extractor.ExtractAudio(ctx, videoPath, audioPath); err != nil {
		return nil, fmt.Errorf("extract audio: %w", err)
	}
	tr, err := p.Transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	p.lg().Info(ctx, "video transcribed",
		"ingestion_id", ingestionID, "chars", len(tr.Text), "segments", len(tr.Segments))
	return tr, nil
}

// Frames probes the video, extracts stills at the configured interval and
// filters near-duplicates.
func (p *Pipeline) Frames(ctx context.Context, videoPath, ingestionID string) (*FilterResult, error) {
	meta, err := p.Prober.Probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}
	dir, err := p.workDirFor(ingestionID)
	if err != nil {
		return nil, err
	}
	frames, err := p.Extractor.ExtractFrames(ctx, videoPath, filepath.Join(dir, "frames"), p.FrameInterval)
	if err != nil {
		return nil, err
	}
	res, err := FilterFrames(ctx, frames, meta)
	if err != nil {
		return nil, err
	}
	p.lg().Info(ctx, "video frames filtered",
		"ingestion_id", ingestionID,
		"extracted", len(frames),
		"kept", len(res.Filtered),
		"duplicates", len(res.DuplicateMap))
	return res, nil
}

// Cleanup removes the scratch directory for one ingestion.
func (p *Pipeline) Cleanup(ingestionID string) {
	base := p.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	_ = os.RemoveAll(filepath.Join(base, "video-"+ingestionID))
}
