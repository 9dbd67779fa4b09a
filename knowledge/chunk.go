package knowledge

import (
	"time"
)

// ChunkType tags a content chunk with the kind of source material it was
// produced from. The full set of values lives here so ingesters and
// extractors agree on one enumeration.
type ChunkType string

const (
	ChunkDocumentation      ChunkType = "documentation"
	ChunkWebpage            ChunkType = "webpage"
	ChunkExploration        ChunkType = "exploration"
	ChunkVideoTranscription ChunkType = "video_transcription"
	ChunkVideoFrameAnalysis ChunkType = "video_frame_analysis"
	ChunkVideoAction        ChunkType = "video_action"
	ChunkVideoSummary       ChunkType = "video_summary"
	// ChunkDocSummary is the comprehensive-summary chunk appended at the
	// tail of a documentation ingestion (statistics over the document).
	ChunkDocSummary ChunkType = "documentation_comprehensive_summary"
)

// ContentChunk is an ordered fragment of source material. Chunks are created
// by ingestion, read by extractors and never mutated afterwards.
type ContentChunk struct {
	ChunkID      string            `bson:"chunk_id" json:"chunk_id"`
	ChunkIndex   int               `bson:"chunk_index" json:"chunk_index"`
	Content      string            `bson:"content" json:"content"`
	TokenCount   int               `bson:"token_count" json:"token_count"`
	ChunkType    ChunkType         `bson:"chunk_type" json:"chunk_type"`
	SectionTitle string            `bson:"section_title,omitempty" json:"section_title,omitempty"`
	Metadata     map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// IngestionResult is the envelope for all chunks produced from one source.
// It is created atomically when the source finishes ingesting.
type IngestionResult struct {
	IngestionID    string            `bson:"ingestion_id" json:"ingestion_id"`
	KnowledgeID    string            `bson:"knowledge_id" json:"knowledge_id"`
	JobID          string            `bson:"job_id" json:"job_id"`
	SourceType     SourceType        `bson:"source_type" json:"source_type"`
	SourceMetadata map[string]string `bson:"source_metadata,omitempty" json:"source_metadata,omitempty"`
	Chunks         []ContentChunk    `bson:"chunks" json:"chunks"`
	TotalTokens    int               `bson:"total_tokens" json:"total_tokens"`
	Errors         []string          `bson:"errors,omitempty" json:"errors,omitempty"`
	StartedAt      time.Time         `bson:"started_at" json:"started_at"`
	CompletedAt    time.Time         `bson:"completed_at" json:"completed_at"`
	Success        bool              `bson:"success" json:"success"`
	CreatedAt      time.Time         `bson:"created_at" json:"created_at"`
}

// ContentLength returns the total number of content bytes across all chunks.
// An ingestion result counts as successful iff this is positive; a source
// that produced zero content failed.
func (r *IngestionResult) ContentLength() int {
	total := 0
	for _, c := range r.Chunks {
		total += len(c.Content)
	}
	return total
}
