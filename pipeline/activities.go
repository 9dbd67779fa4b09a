// Package pipeline implements the durable extraction workflow on Temporal:
// the six-phase orchestrator, its activities, the idempotency wrapper that
// makes replays safe, the worker setup and the queue-depth autoscaler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"opskb/crawl"
	"opskb/explore"
	"opskb/extract"
	"opskb/ingest"
	"opskb/ingest/video"
	"opskb/knowledge"
	"opskb/linker"
	"opskb/llm"
	"opskb/store"
	"opskb/store/objstore"
	"opskb/telemetry"
	"opskb/verify"
)

// Activity names. Workflows invoke activities by name so the registration
// in worker.go must match.
const (
	ActivityIngestSource      = "ingest_source"
	ActivityVideoTranscribe   = "video_transcribe"
	ActivityVideoFrames       = "video_frames"
	ActivityVideoAnalyzeBatch = "video_analyze_batch"
	ActivityVideoAssemble     = "video_assemble"
	ActivityExtract           = "extract_entities"
	ActivityLink              = "link_entities"
	ActivityGraph             = "check_graph"
	ActivityExplore           = "explore_urls"
	ActivityVerify            = "verify_entities"
	ActivityEnrich            = "enrich_entities"
	ActivitySaveState         = "save_workflow_state"
	ActivityResyncDelete      = "resync_delete"
	ActivitySaveCheckpoint    = "save_checkpoint"
	ActivityLoadCheckpoint    = "load_checkpoint"
)

// ActivityContext carries every collaborator the activities need. Workers
// hold exactly one; there are no package globals.
type ActivityContext struct {
	Store       store.Store
	Objects     objstore.Store
	Idempotency store.IdempotencyLog
	Checkpoints store.CheckpointStore

	Router   *ingest.Router
	Video    *video.Pipeline
	Analyzer *video.Analyzer
	Bank     *extract.Bank
	Linker   *linker.Linker
	Verifier *verify.Verifier
	Explorer *explore.Explorer

	Logger telemetry.Logger
}

func (a *ActivityContext) lg() telemetry.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return telemetry.NewNoopLogger()
}

// IngestSourceInput is the payload of the monolithic ingestion activity.
type IngestSourceInput struct {
	Source      knowledge.Source `json:"source"`
	Crawl       crawl.Options    `json:"crawl"`
	WorkflowID  string           `json:"workflow_id"`
	KnowledgeID string           `json:"knowledge_id"`
	JobID       string           `json:"job_id"`
}

// IngestSummary is what ingestion activities return to the workflow. The
// chunks themselves stay in the store; only counts travel through history.
type IngestSummary struct {
	IngestionID string   `json:"ingestion_id"`
	Success     bool     `json:"success"`
	Chunks      int      `json:"chunks"`
	TotalTokens int      `json:"total_tokens"`
	Errors      []string `json:"errors,omitempty"`
}

func summarize(res *knowledge.IngestionResult) *IngestSummary {
	return &IngestSummary{
		IngestionID: res.IngestionID,
		Success:     res.Success,
		Chunks:      len(res.Chunks),
		TotalTokens: res.TotalTokens,
		Errors:      res.Errors,
	}
}

// IngestSource ingests one documentation or website source.
func (a *ActivityContext) IngestSource(ctx context.Context, in IngestSourceInput) (*IngestSummary, error) {
	var out IngestSummary
	err := a.idempotent(ctx, ActivityIngestSource, in, &out, func(ctx context.Context) (any, error) {
		res, err := a.Router.IngestSource(ctx, in.Source, in.Crawl, in.WorkflowID, in.KnowledgeID, in.JobID)
		if err != nil {
			return nil, err
		}
		return summarize(res), nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// VideoInput addresses one video source within a run.
type VideoInput struct {
	Path        string `json:"path"`
	SourceName  string `json:"source_name"`
	IngestionID string `json:"ingestion_id"`
	KnowledgeID string `json:"knowledge_id"`
	JobID       string `json:"job_id"`
}

// VideoTranscribe demuxes and transcribes the audio track.
func (a *ActivityContext) VideoTranscribe(ctx context.Context, in VideoInput) (*llm.Transcript, error) {
	activity.RecordHeartbeat(ctx, "transcribing")
	return a.Video.Transcribe(ctx, in.Path, in.IngestionID)
}

// VideoFrames extracts and filters the video's frames.
func (a *ActivityContext) VideoFrames(ctx context.Context, in VideoInput) (*video.FilterResult, error) {
	activity.RecordHeartbeat(ctx, "filtering frames")
	return a.Video.Frames(ctx, in.Path, in.IngestionID)
}

// VideoBatchInput is one vision batch.
type VideoBatchInput struct {
	Frames []video.Frame `json:"frames"`
}

// VideoAnalyzeBatch analyzes up to video.BatchSize frames and returns only
// the claim key of the stored result.
func (a *ActivityContext) VideoAnalyzeBatch(ctx context.Context, in VideoBatchInput) (string, error) {
	var key string
	err := a.idempotent(ctx, ActivityVideoAnalyzeBatch, in, &key, func(ctx context.Context) (any, error) {
		return a.Analyzer.AnalyzeBatch(ctx, in.Frames)
	})
	return key, err
}

// VideoAssemble combines transcript and analyses into the persisted
// ingestion result.
func (a *ActivityContext) VideoAssemble(ctx context.Context, in video.AssembleInput) (*IngestSummary, error) {
	res := video.Assemble(ctx, a.Objects, in)
	if err := a.Store.SaveIngestion(ctx, res); err != nil {
		return nil, fmt.Errorf("persist video ingestion: %w", err)
	}
	a.Video.Cleanup(in.IngestionID)
	return summarize(res), nil
}

// ExtractInput names one extractor run.
type ExtractInput struct {
	Extractor   string `json:"extractor"`
	WebsiteID   string `json:"website_id"`
	KnowledgeID string `json:"knowledge_id"`
	JobID       string `json:"job_id"`
}

// Extract runs one named extractor over the job's chunk corpus.
func (a *ActivityContext) Extract(ctx context.Context, in ExtractInput) (*extract.Result, error) {
	ex, ok := a.Bank.Get(in.Extractor)
	if !ok {
		return nil, fmt.Errorf("unknown extractor %q", in.Extractor)
	}
	var out extract.Result
	err := a.idempotent(ctx, ActivityExtract, in, &out, func(ctx context.Context) (any, error) {
		chunks, err := extract.LoadChunks(ctx, a.Store, in.KnowledgeID, in.JobID)
		if err != nil {
			return nil, err
		}
		activity.RecordHeartbeat(ctx, in.Extractor)
		res, err := ex.Extract(ctx, extract.Input{
			Chunks:      chunks,
			WebsiteID:   in.WebsiteID,
			KnowledgeID: in.KnowledgeID,
			JobID:       in.JobID,
		})
		if err != nil {
			return nil, err
		}
		return &res, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ScopeInput addresses a (knowledge, job) pair.
type ScopeInput struct {
	KnowledgeID string `json:"knowledge_id"`
	JobID       string `json:"job_id"`
}

// Link runs the post-extraction linker.
func (a *ActivityContext) Link(ctx context.Context, in ScopeInput) (*linker.Stats, error) {
	stats, err := a.Linker.Link(ctx, in.KnowledgeID, in.JobID)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// Graph runs the graph integrity check.
func (a *ActivityContext) Graph(ctx context.Context, in ScopeInput) (*verify.GraphReport, error) {
	return a.Verifier.Graph(ctx, in.KnowledgeID, in.JobID)
}

// ExploreInput configures the exploration activity.
type ExploreInput struct {
	Options     explore.Options `json:"options"`
	WebsiteID   string          `json:"website_id"`
	KnowledgeID string          `json:"knowledge_id"`
	JobID       string          `json:"job_id"`
}

// Explore runs the optional URL exploration phase.
func (a *ActivityContext) Explore(ctx context.Context, in ExploreInput) (*explore.Result, error) {
	if a.Explorer == nil {
		return nil, errors.New("explorer not configured")
	}
	activity.RecordHeartbeat(ctx, "exploring")
	return a.Explorer.Explore(ctx, in.Options, in.WebsiteID, in.KnowledgeID, in.JobID)
}

// Verify runs the persistence verification pass.
func (a *ActivityContext) Verify(ctx context.Context, in ScopeInput) (*verify.VerificationReport, error) {
	return a.Verifier.Verify(ctx, in.KnowledgeID, in.JobID)
}

// Enrich runs the enrichment pass.
func (a *ActivityContext) Enrich(ctx context.Context, in ScopeInput) (*verify.EnrichmentReport, error) {
	return a.Verifier.Enrich(ctx, in.KnowledgeID, in.JobID)
}

// SaveState upserts the workflow state snapshot.
func (a *ActivityContext) SaveState(ctx context.Context, st *knowledge.WorkflowState) error {
	st.UpdatedAt = time.Now().UTC()
	return a.Store.SaveWorkflowState(ctx, st)
}

// ResyncDelete removes every entity under the knowledge id before a resync
// run re-extracts them.
func (a *ActivityContext) ResyncDelete(ctx context.Context, knowledgeID string) (int64, error) {
	deleted, err := a.Store.DeleteKnowledge(ctx, knowledgeID)
	if err != nil {
		return 0, err
	}
	a.lg().Info(ctx, "resync deleted prior entities", "knowledge_id", knowledgeID, "deleted", deleted)
	return deleted, nil
}

// CheckpointInput addresses a phase checkpoint.
type CheckpointInput struct {
	WorkflowID string          `json:"workflow_id"`
	Phase      knowledge.Phase `json:"phase"`
	Items      []string        `json:"items,omitempty"`
	Token      string          `json:"token,omitempty"`
}

// SaveCheckpoint records progress of an iterating phase.
func (a *ActivityContext) SaveCheckpoint(ctx context.Context, in CheckpointInput) error {
	if a.Checkpoints == nil {
		return nil
	}
	return a.Checkpoints.Save(ctx, &knowledge.Checkpoint{
		WorkflowID:     in.WorkflowID,
		Phase:          in.Phase,
		ItemsProcessed: in.Items,
		ResumeToken:    in.Token,
	})
}

// LoadCheckpoint returns the checkpoint for a phase; a missing checkpoint
// yields an empty one rather than an error so fresh runs need no special
// case.
func (a *ActivityContext) LoadCheckpoint(ctx context.Context, in CheckpointInput) (*knowledge.Checkpoint, error) {
	if a.Checkpoints == nil {
		return &knowledge.Checkpoint{WorkflowID: in.WorkflowID, Phase: in.Phase}, nil
	}
	cp, err := a.Checkpoints.Load(ctx, in.WorkflowID, in.Phase)
	if errors.Is(err, store.ErrNotFound) {
		return &knowledge.Checkpoint{WorkflowID: in.WorkflowID, Phase: in.Phase}, nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}
