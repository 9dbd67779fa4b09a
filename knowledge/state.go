package knowledge

import "time"

// WorkflowStatus is the lifecycle state of one pipeline run.
type WorkflowStatus string

const (
	StatusRunning   WorkflowStatus = "running"
	StatusPaused    WorkflowStatus = "paused"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusCancelled WorkflowStatus = "cancelled"
)

// Phase names one of the pipeline phases in execution order.
type Phase string

const (
	PhaseIngestion    Phase = "ingestion"
	PhaseExtraction   Phase = "extraction"
	PhaseGraph        Phase = "graph"
	PhaseExploration  Phase = "url_exploration"
	PhaseVerification Phase = "verification"
	PhaseEnrichment   Phase = "enrichment"
)

// Phases lists the pipeline phases in execution order.
var Phases = []Phase{
	PhaseIngestion,
	PhaseExtraction,
	PhaseGraph,
	PhaseExploration,
	PhaseVerification,
	PhaseEnrichment,
}

// WorkflowState is the persisted orchestration snapshot for one run. REST
// endpoints surface it verbatim.
type WorkflowState struct {
	WorkflowID      string            `bson:"workflow_id" json:"workflow_id"`
	JobID           string            `bson:"job_id" json:"job_id"`
	KnowledgeID     string            `bson:"knowledge_id" json:"knowledge_id"`
	Status          WorkflowStatus    `bson:"status" json:"status"`
	Phase           Phase             `bson:"phase,omitempty" json:"phase,omitempty"`
	CurrentActivity string            `bson:"current_activity,omitempty" json:"current_activity,omitempty"`
	Progress        float64           `bson:"progress" json:"progress"`
	Errors          []string          `bson:"errors,omitempty" json:"errors,omitempty"`
	Metadata        map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	StartedAt       time.Time         `bson:"started_at" json:"started_at"`
	UpdatedAt       time.Time         `bson:"updated_at" json:"updated_at"`
	ProcessingTime  time.Duration     `bson:"processing_time,omitempty" json:"processing_time,omitempty"`
}

// Checkpoint records how far an iterating activity got so a replay can skip
// already-processed items.
type Checkpoint struct {
	WorkflowID     string    `bson:"workflow_id" json:"workflow_id"`
	Phase          Phase     `bson:"phase" json:"phase"`
	ItemsProcessed []string  `bson:"items_processed,omitempty" json:"items_processed,omitempty"`
	ResumeToken    string    `bson:"resume_token" json:"resume_token"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}

// ActivityExecution is one entry of the idempotency log, keyed by
// (workflow_id, activity_name, input_hash). Exactly one success is recorded
// per key.
type ActivityExecution struct {
	WorkflowID   string    `bson:"workflow_id" json:"workflow_id"`
	ActivityName string    `bson:"activity_name" json:"activity_name"`
	InputHash    string    `bson:"input_hash" json:"input_hash"`
	Output       []byte    `bson:"output,omitempty" json:"output,omitempty"`
	Success      bool      `bson:"success" json:"success"`
	Error        string    `bson:"error,omitempty" json:"error,omitempty"`
	RecordedAt   time.Time `bson:"recorded_at" json:"recorded_at"`
}

// IngestionMetadata lets the router skip re-ingesting unchanged sources.
type IngestionMetadata struct {
	ContentHash string    `bson:"content_hash" json:"content_hash"`
	SourceURL   string    `bson:"source_url" json:"source_url"`
	IngestionID string    `bson:"ingestion_id" json:"ingestion_id"`
	IngestedAt  time.Time `bson:"ingested_at" json:"ingested_at"`
}

// Discrepancy records a persisted entity the verifier could not re-resolve.
type Discrepancy struct {
	DiscrepancyID string    `bson:"discrepancy_id" json:"discrepancy_id"`
	KnowledgeID   string    `bson:"knowledge_id" json:"knowledge_id"`
	JobID         string    `bson:"job_id" json:"job_id"`
	EntityKind    Kind      `bson:"entity_kind" json:"entity_kind"`
	EntityID      string    `bson:"entity_id" json:"entity_id"`
	Detail        string    `bson:"detail,omitempty" json:"detail,omitempty"`
	DetectedAt    time.Time `bson:"detected_at" json:"detected_at"`
}
