// Package store defines the persistence contracts of the extraction
// pipeline: the document store holding extracted entities, the idempotency
// log that short-circuits replayed activities, the checkpoint store for
// iterating activities and the ingestion dedup index.
//
// Two implementations exist: store/mongo (production) and store/inmem
// (explicit, constructor-gated; used by tests and by runs that opt out of a
// document store). There is no silent fallback between them.
package store

import (
	"context"
	"errors"
	"time"

	"opskb/knowledge"
)

// ErrNotFound is returned when a lookup by id matches nothing.
var ErrNotFound = errors.New("store: not found")

// BulkResult summarizes a bulk save. Input order is preserved: entity i of
// the input corresponds to outcome i.
type BulkResult struct {
	Saved  int `json:"saved"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Store is the document-store abstraction all pipeline phases write through.
// Saves are upserts on entity_id and stamp knowledge_id, job_id and
// updated_at. Queries scoped by knowledge_id alone resolve the latest job_id
// for that knowledge (by max created_at).
type Store interface {
	// SaveIngestion persists one ingestion result atomically.
	SaveIngestion(ctx context.Context, r *knowledge.IngestionResult) error
	// Ingestions returns the ingestion results for a knowledge id, scoped to
	// jobID when non-empty.
	Ingestions(ctx context.Context, knowledgeID, jobID string) ([]knowledge.IngestionResult, error)
	// IngestionByID loads a single ingestion result.
	IngestionByID(ctx context.Context, ingestionID string) (*knowledge.IngestionResult, error)

	SaveScreens(ctx context.Context, screens []knowledge.Screen) (BulkResult, error)
	Screens(ctx context.Context, knowledgeID, jobID string) ([]knowledge.Screen, error)
	ScreenByID(ctx context.Context, entityID string) (*knowledge.Screen, error)

	SaveTasks(ctx context.Context, tasks []knowledge.Task) (BulkResult, error)
	Tasks(ctx context.Context, knowledgeID, jobID string) ([]knowledge.Task, error)
	TaskByID(ctx context.Context, entityID string) (*knowledge.Task, error)

	SaveActions(ctx context.Context, actions []knowledge.Action) (BulkResult, error)
	Actions(ctx context.Context, knowledgeID, jobID string) ([]knowledge.Action, error)

	SaveTransitions(ctx context.Context, transitions []knowledge.Transition) (BulkResult, error)
	Transitions(ctx context.Context, knowledgeID, jobID string) ([]knowledge.Transition, error)

	SaveBusinessFunctions(ctx context.Context, fns []knowledge.BusinessFunction) (BulkResult, error)
	BusinessFunctions(ctx context.Context, knowledgeID, jobID string) ([]knowledge.BusinessFunction, error)

	SaveBusinessFeatures(ctx context.Context, feats []knowledge.BusinessFeature) (BulkResult, error)
	BusinessFeatures(ctx context.Context, knowledgeID, jobID string) ([]knowledge.BusinessFeature, error)

	SaveWorkflows(ctx context.Context, wfs []knowledge.OperationalWorkflow) (BulkResult, error)
	Workflows(ctx context.Context, knowledgeID, jobID string) ([]knowledge.OperationalWorkflow, error)

	SaveUserFlows(ctx context.Context, flows []knowledge.UserFlow) (BulkResult, error)
	UserFlows(ctx context.Context, knowledgeID, jobID string) ([]knowledge.UserFlow, error)

	SaveDiscrepancies(ctx context.Context, ds []knowledge.Discrepancy) (BulkResult, error)
	Discrepancies(ctx context.Context, knowledgeID, jobID string) ([]knowledge.Discrepancy, error)

	// AddToSet appends values to a cross-reference array of one entity with
	// set semantics: values already present are not duplicated. This is the
	// only mutation applied to entities after creation and is reserved for
	// the post-extraction linker.
	AddToSet(ctx context.Context, kind knowledge.Kind, entityID, field string, values ...string) error

	// Counts returns per-kind entity counts for (knowledgeID, jobID); jobID
	// may be empty for the latest job.
	Counts(ctx context.Context, knowledgeID, jobID string) (map[knowledge.Kind]int64, error)
	// LatestJobID resolves the most recent job for a knowledge id, "" when
	// the knowledge base does not exist yet.
	LatestJobID(ctx context.Context, knowledgeID string) (string, error)
	// DeleteKnowledge removes every entity under a knowledge id and returns
	// the number of deleted documents. Used by resync before re-extraction.
	DeleteKnowledge(ctx context.Context, knowledgeID string) (int64, error)

	// SaveWorkflowState upserts the orchestration snapshot for a run.
	SaveWorkflowState(ctx context.Context, st *knowledge.WorkflowState) error
	// WorkflowState loads the snapshot for a workflow id.
	WorkflowState(ctx context.Context, workflowID string) (*knowledge.WorkflowState, error)
}

// IdempotencyLog records activity outcomes keyed by
// (workflow_id, activity_name, input_hash). Exactly one success is kept per
// key; a second successful Record for the same key is a no-op.
type IdempotencyLog interface {
	// Lookup returns the recorded execution for a key, or ErrNotFound.
	Lookup(ctx context.Context, workflowID, activityName, inputHash string) (*knowledge.ActivityExecution, error)
	// Record stores an execution outcome.
	Record(ctx context.Context, exec *knowledge.ActivityExecution) error
}

// CheckpointStore persists per-phase resume tokens for iterating activities.
type CheckpointStore interface {
	// Save upserts the checkpoint for (workflow_id, phase).
	Save(ctx context.Context, cp *knowledge.Checkpoint) error
	// Load returns the checkpoint for (workflow_id, phase), or ErrNotFound.
	Load(ctx context.Context, workflowID string, phase knowledge.Phase) (*knowledge.Checkpoint, error)
}

// IngestionDedup maps content hashes to prior ingestions so unchanged
// sources can reuse their ingestion id.
type IngestionDedup interface {
	// LookupHash returns the metadata recorded for a content hash, or
	// ErrNotFound.
	LookupHash(ctx context.Context, contentHash string) (*knowledge.IngestionMetadata, error)
	// RecordHash stores the metadata for a completed ingestion.
	RecordHash(ctx context.Context, meta *knowledge.IngestionMetadata) error
}

// Stamp fills the bookkeeping fields of an entity envelope prior to an
// upsert. CreatedAt is only set when zero so re-saves keep the original
// creation time.
func Stamp(e *knowledge.Envelope, knowledgeID, jobID string, now time.Time) {
	e.KnowledgeID = knowledgeID
	e.JobID = jobID
	e.UpdatedAt = now.UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
}
