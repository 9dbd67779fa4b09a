// Package video implements the video ingestion sub-pipeline: probe and
// frame extraction via ffmpeg, perceptual-hash/SSIM frame filtering, batched
// vision analysis behind the claim-check object store, and final chunk
// assembly.
package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrNoVideoStream is returned when ffprobe finds no video stream in the
// input.
var ErrNoVideoStream = errors.New("video: input has no video stream")

// Metadata describes the probed input file.
type Metadata struct {
	Duration time.Duration `json:"duration"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Codec    string        `json:"codec"`
	FPS      float64       `json:"fps"`
}

// Prober inspects a video file. LocalProber shells out to ffprobe; tests
// substitute canned metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (*Metadata, error)
}

// LocalProber runs the ffprobe binary.
type LocalProber struct {
	// Binary overrides the ffprobe executable name.
	Binary string
}

// Probe implements Prober.
func (p *LocalProber) Probe(ctx context.Context, path string) (*Metadata, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("video: path is required")
	}
	bin := p.Binary
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbeOutput(out)
}

func parseProbeOutput(raw []byte) (*Metadata, error) {
	var payload struct {
		Streams []struct {
			CodecType    string `json:"codec_type"`
			CodecName    string `json:"codec_name"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			AvgFrameRate string `json:"avg_frame_rate"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	meta := &Metadata{}
	if payload.Format.Duration != "" {
		secs, err := strconv.ParseFloat(payload.Format.Duration, 64)
		if err == nil {
			meta.Duration = time.Duration(secs * float64(time.Second))
		}
	}
	for _, s := range payload.Streams {
		if s.CodecType != "video" {
			continue
		}
		meta.Width = s.Width
		meta.Height = s.Height
		meta.Codec = s.CodecName
		meta.FPS = parseFrameRate(s.AvgFrameRate)
		return meta, nil
	}
	return nil, ErrNoVideoStream
}

// parseFrameRate evaluates ffprobe's rational frame rates ("30000/1001").
func parseFrameRate(raw string) float64 {
	if raw == "" || raw == "0/0" {
		return 0
	}
	parts := strings.SplitN(raw, "/", 2)
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}
