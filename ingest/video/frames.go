package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"
)

// DefaultFrameInterval is the sampling interval when none is configured.
const DefaultFrameInterval = 2 * time.Second

// Frame is one extracted still.
type Frame struct {
	Index     int           `json:"index"`
	Timestamp time.Duration `json:"timestamp"`
	Path      string        `json:"path"`
}

// Extractor pulls frames and the audio track out of a video file.
// LocalExtractor shells out to ffmpeg.
type Extractor interface {
	ExtractFrames(ctx context.Context, videoPath, outDir string, interval time.Duration) ([]Frame, error)
	ExtractAudio(ctx context.Context, videoPath, outPath string) error
}

// LocalExtractor runs the ffmpeg binary.
type LocalExtractor struct {
	// Binary overrides the ffmpeg executable name.
	Binary string
}

func (e *LocalExtractor) bin() string {
	if e.Binary != "" {
		return e.Binary
	}
	return "ffmpeg"
}

// ExtractFrames samples one frame per interval into outDir as JPEGs and
// returns them ordered by timestamp.
func (e *LocalExtractor) ExtractFrames(ctx context.Context, videoPath, outDir string, interval time.Duration) ([]Frame, error) {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	pattern := filepath.Join(outDir, "frame_%05d.jpg")
	fps := 1.0 / interval.Seconds()
	cmd := exec.CommandContext(ctx, e.bin(),
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%g", fps),
		"-q:v", "2",
		"-y",
		pattern,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame extraction: %w: %s", err, truncateOutput(out))
	}
	paths, err := filepath.Glob(filepath.Join(outDir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	frames := make([]Frame, 0, len(paths))
	for i, p := range paths {
		frames = append(frames, Frame{
			Index:     i,
			Timestamp: time.Duration(i) * interval,
			Path:      p,
		})
	}
	return frames, nil
}

// ExtractAudio demuxes the audio track to outPath as mp3. A video without
// audio returns an error the caller treats as a degraded transcription.
func (e *LocalExtractor) ExtractAudio(ctx context.Context, videoPath, outPath string) error {
	cmd := exec.CommandContext(ctx, e.bin(),
		"-i", videoPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-q:a", "4",
		"-y",
		outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg audio extraction: %w: %s", err, truncateOutput(out))
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return fmt.Errorf("audio output missing: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("audio output is empty")
	}
	return nil
}

func truncateOutput(out []byte) string {
	const max = 512
	s := string(out)
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}
