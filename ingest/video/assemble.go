package video

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"opskb/knowledge"
	"opskb/llm"
	"opskb/store/objstore"
	"opskb/token"
)

// AssembleInput carries everything the final assembly step needs.
type AssembleInput struct {
	IngestionID string
	KnowledgeID string
	JobID       string
	SourceURL   string
	SourceName  string
	// Transcript may be nil when transcription failed or the video has no
	// audio; assembly proceeds with frames alone. Its segments, when
	// present, time-stamp the transcription chunk and attach narration to
	// the frame analyses.
	Transcript *llm.Transcript
	// BatchKeys are the claim keys returned by the vision batches, in batch
	// order. Keys that fail to load drop only their batch.
	BatchKeys []string
	// Filter is the frame-filtering output; its DuplicateMap drives
	// duplicate expansion.
	Filter *FilterResult
	// Errors carries warnings accumulated by earlier steps (degraded
	// transcription, dropped batches).
	Errors []string
}

// Assemble combines transcription and vision analyses into the final chunk
// set and wraps them in one IngestionResult. Each canonical frame analysis
// is expanded to every duplicate's timestamp.
func Assemble(ctx context.Context, objects objstore.Store, in AssembleInput) *knowledge.IngestionResult {
	started := time.Now().UTC()
	res := &knowledge.IngestionResult{
		IngestionID: in.IngestionID,
		KnowledgeID: in.KnowledgeID,
		JobID:       in.JobID,
		SourceType:  knowledge.SourceVideo,
		SourceMetadata: map[string]string{
			"source_url":  in.SourceURL,
			"source_name": in.SourceName,
		},
		Errors:    append([]string(nil), in.Errors...),
		StartedAt: started,
	}
	if in.Filter != nil && in.Filter.Metadata != nil {
		meta := in.Filter.Metadata
		res.SourceMetadata["duration"] = meta.Duration.String()
		res.SourceMetadata["resolution"] = fmt.Sprintf("%dx%d", meta.Width, meta.Height)
		res.SourceMetadata["codec"] = meta.Codec
	}

	index := 0
	add := func(content string, chunkType knowledge.ChunkType, section string, meta map[string]string) {
		if strings.TrimSpace(content) == "" {
			return
		}
		res.Chunks = append(res.Chunks, knowledge.ContentChunk{
			ChunkID:      fmt.Sprintf("chunk-%d", index),
			ChunkIndex:   index,
			Content:      content,
			TokenCount:   token.Count(content),
			ChunkType:    chunkType,
			SectionTitle: section,
			Metadata:     meta,
		})
		index++
	}

	add(transcriptContent(in.Transcript), knowledge.ChunkVideoTranscription, "Transcription", nil)

	analyses := collectAnalyses(ctx, objects, in.BatchKeys, res)
	expanded := expandDuplicates(analyses, in.Filter)
	actionCount := 0
	for _, a := range expanded {
		if a.Description == "" {
			continue
		}
		meta := map[string]string{
			"frame_index": strconv.Itoa(a.FrameIndex),
			"timestamp":   a.Timestamp.String(),
		}
		content := fmt.Sprintf("Frame at %s: %s", a.Timestamp, a.Description)
		if len(a.Elements) > 0 {
			content += "\nVisible elements: " + strings.Join(a.Elements, ", ")
		}
		if narration := narrationAt(in.Transcript, a.Timestamp); narration != "" {
			content += "\nNarration: " + narration
		}
		add(content, knowledge.ChunkVideoFrameAnalysis, "Frame Analysis", meta)
		if a.UserAction != "" {
			add(fmt.Sprintf("At %s the user %s", a.Timestamp, a.UserAction),
				knowledge.ChunkVideoAction, "User Actions", meta)
			actionCount++
		}
	}

	add(summaryContent(in, expanded, actionCount), knowledge.ChunkVideoSummary, "Video Summary", nil)

	for _, c := range res.Chunks {
		res.TotalTokens += c.TokenCount
	}
	res.Success = res.ContentLength() > 0
	if !res.Success {
		res.Errors = append(res.Errors, "video produced no content")
	}
	res.CompletedAt = time.Now().UTC()
	return res
}

func collectAnalyses(ctx context.Context, objects objstore.Store, keys []string, res *knowledge.IngestionResult) []FrameAnalysis {
	var out []FrameAnalysis
	for _, key := range keys {
		batch, err := LoadBatch(ctx, objects, key)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		for _, a := range batch.Analyses {
			if a.Error != "" {
				res.Errors = append(res.Errors, fmt.Sprintf("frame %d: %s", a.FrameIndex, a.Error))
				continue
			}
			out = append(out, a)
		}
	}
	return out
}

// expandDuplicates attributes each canonical analysis to every duplicate
// frame's timestamp and returns the union ordered by frame index.
func expandDuplicates(analyses []FrameAnalysis, filter *FilterResult) []FrameAnalysis {
	byIndex := make(map[int]FrameAnalysis, len(analyses))
	for _, a := range analyses {
		byIndex[a.FrameIndex] = a
	}
	out := append([]FrameAnalysis(nil), analyses...)
	if filter != nil {
		timestamps := make(map[int]time.Duration, len(filter.All))
		for _, f := range filter.All {
			timestamps[f.Index] = f.Timestamp
		}
		for dup, canonical := range filter.DuplicateMap {
			src, ok := byIndex[canonical]
			if !ok {
				continue
			}
			copied := src
			copied.FrameIndex = dup
			copied.Timestamp = timestamps[dup]
			// Duplicates inherit the screen state but not the action; the
			// action happened once, on the canonical frame.
			copied.UserAction = ""
			out = append(out, copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrameIndex < out[j].FrameIndex })
	return out
}

// transcriptContent renders the transcription chunk. Segmented transcripts
// become one time-stamped line per segment so extractors can correlate
// narration with the frame timeline; plain transcripts pass through as is.
func transcriptContent(tr *llm.Transcript) string {
	if tr == nil {
		return ""
	}
	if len(tr.Segments) == 0 {
		return tr.Text
	}
	var sb strings.Builder
	for _, seg := range tr.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%s - %s] %s\n", clockStamp(seg.Start), clockStamp(seg.End), text)
	}
	if sb.Len() == 0 {
		return tr.Text
	}
	return sb.String()
}

// narrationAt returns the transcript segment spoken at the given timestamp.
func narrationAt(tr *llm.Transcript, ts time.Duration) string {
	if tr == nil {
		return ""
	}
	for _, seg := range tr.Segments {
		if ts >= seg.Start && ts < seg.End {
			return strings.TrimSpace(seg.Text)
		}
	}
	return ""
}

func clockStamp(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%02d:%02d:%02d",
		int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

func summaryContent(in AssembleInput, analyses []FrameAnalysis, actions int) string {
	var sb strings.Builder
	name := in.SourceName
	if name == "" {
		name = in.SourceURL
	}
	fmt.Fprintf(&sb, "Summary of video %s\n\n", name)
	fmt.Fprintf(&sb, "Analyzed frames: %d\nDetected user actions: %d\n", len(analyses), actions)
	if in.Transcript != nil && in.Transcript.Text != "" {
		fmt.Fprintf(&sb, "Transcript length: %d characters in %d segments\n",
			len(in.Transcript.Text), len(in.Transcript.Segments))
	} else {
		sb.WriteString("No transcript available.\n")
	}
	if in.Filter != nil {
		fmt.Fprintf(&sb, "Distinct frames kept: %d of %d extracted\n", len(in.Filter.Filtered), len(in.Filter.All))
	}
	return sb.String()
}
