package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"opskb/crawl"
	"opskb/explore"
	"opskb/extract"
	"opskb/ingest"
	"opskb/ingest/video"
	"opskb/knowledge"
	"opskb/llm"
)

// WorkflowName registers the extraction workflow.
const WorkflowName = "extraction_workflow"

// TaskQueue is the default queue workers poll.
const TaskQueue = "knowledge-extraction"

// Signal and query names.
const (
	SignalPause   = "pause"
	SignalResume  = "resume"
	SignalCancel  = "cancel"
	QueryProgress = "get_progress"
	QueryPaused   = "is_paused"
	QueryCanceled = "is_cancelled"
)

// RunOptions tunes crawling and the optional exploration phase.
type RunOptions struct {
	MaxPages            int                  `json:"max_pages,omitempty"`
	MaxDepth            int                  `json:"max_depth,omitempty"`
	WebsiteURLs         []string             `json:"website_urls,omitempty"`
	Credentials         *explore.Credentials `json:"credentials,omitempty"`
	ExplorationMaxPages int                  `json:"exploration_max_pages,omitempty"`
	ExplorationMaxDepth int                  `json:"exploration_max_depth,omitempty"`
}

// Input starts one extraction run. Exactly one of SourceURL or SourceURLs
// must be set. JobID and ResumePhase are filled by the workflow itself when
// it continues as new.
type Input struct {
	KnowledgeID string               `json:"knowledge_id"`
	SourceURL   string               `json:"source_url,omitempty"`
	SourceURLs  []string             `json:"source_urls,omitempty"`
	SourceName  string               `json:"source_name,omitempty"`
	SourceNames []string             `json:"source_names,omitempty"`
	SourceType  knowledge.SourceType `json:"source_type,omitempty"`
	Resync      bool                 `json:"resync,omitempty"`
	Options     RunOptions           `json:"options,omitempty"`

	JobID       string          `json:"job_id,omitempty"`
	ResumePhase knowledge.Phase `json:"resume_phase,omitempty"`
}

func (in Input) validate() error {
	if in.KnowledgeID == "" {
		return errors.New("knowledge_id is required")
	}
	if (in.SourceURL == "") == (len(in.SourceURLs) == 0) {
		return errors.New("exactly one of source_url or source_urls is required")
	}
	return nil
}

// Sources normalizes the single- and multi-source input forms into one list.
func (in Input) Sources() []knowledge.Source {
	if in.SourceURL != "" {
		return []knowledge.Source{{URL: in.SourceURL, Name: in.SourceName, Type: in.SourceType}}
	}
	sources := make([]knowledge.Source, len(in.SourceURLs))
	for i, u := range in.SourceURLs {
		sources[i] = knowledge.Source{URL: u, Type: in.SourceType}
		if i < len(in.SourceNames) {
			sources[i].Name = in.SourceNames[i]
		}
	}
	return sources
}

// DeriveWebsiteID maps the source list to the shared website id: the single
// host when every URL source agrees, "mixed-assets" when hosts differ and
// "unknown" for file-only runs.
func DeriveWebsiteID(sources []knowledge.Source) string {
	host := ""
	for _, src := range sources {
		u, err := url.Parse(src.URL)
		if err != nil || u.Host == "" {
			continue
		}
		switch host {
		case "", u.Host:
			host = u.Host
		default:
			return "mixed-assets"
		}
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// Progress is the get_progress query result.
type Progress struct {
	JobID            string                   `json:"job_id"`
	KnowledgeID      string                   `json:"knowledge_id"`
	Status           knowledge.WorkflowStatus `json:"status"`
	Phase            knowledge.Phase          `json:"phase"`
	CurrentActivity  string                   `json:"current_activity,omitempty"`
	ItemsProcessed   int                      `json:"items_processed"`
	TotalItems       int                      `json:"total_items"`
	SourcesIngested  int                      `json:"sources_ingested"`
	ScreensExtracted int                      `json:"screens_extracted"`
	TasksExtracted   int                      `json:"tasks_extracted"`
	Errors           []string                 `json:"errors,omitempty"`
	Elapsed          time.Duration            `json:"elapsed"`
}

// extractorOrder is the sequence the extraction phase runs. Screens come
// first because transitions and the linker resolve against them; the flow
// synthesizer runs last over the finished graph.
var extractorOrder = []string{
	"screens",
	"tasks",
	"actions",
	"transitions",
	"business_functions",
	"workflows",
	"user_flows",
}

var errCancelled = errors.New("cancelled by signal")

// run is the per-execution workflow state. It lives entirely inside the
// workflow goroutine; signals mutate it through the handler goroutine which
// the Temporal scheduler serializes with the main one.
type run struct {
	input     Input
	websiteID string
	paused    bool
	cancelled bool
	progress  Progress
	started   time.Time
}

// ExtractionWorkflow is the durable six-phase orchestrator.
func ExtractionWorkflow(ctx workflow.Context, input Input) error {
	if err := input.validate(); err != nil {
		return temporal.NewNonRetryableApplicationError("invalid input", "invalid_input", err)
	}
	if input.JobID == "" {
		var jobID string
		if err := workflow.SideEffect(ctx, func(workflow.Context) any {
			return uuid.NewString()
		}).Get(&jobID); err != nil {
			return err
		}
		input.JobID = jobID
	}

	r := &run{
		input:     input,
		websiteID: DeriveWebsiteID(input.Sources()),
		started:   workflow.Now(ctx),
		progress: Progress{
			JobID:       input.JobID,
			KnowledgeID: input.KnowledgeID,
			Status:      knowledge.StatusRunning,
		},
	}
	if err := r.registerHandlers(ctx); err != nil {
		return err
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    15 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	})

	err := r.runPhases(ctx)
	var canErr *workflow.ContinueAsNewError
	if errors.As(err, &canErr) {
		return err
	}
	switch {
	case err == nil:
		r.saveFinalState(ctx, knowledge.StatusCompleted, "")
		return nil
	case errors.Is(err, errCancelled) || temporal.IsCanceledError(err):
		r.saveFinalState(ctx, knowledge.StatusCancelled, err.Error())
		return temporal.NewCanceledError("extraction cancelled")
	default:
		r.saveFinalState(ctx, knowledge.StatusFailed, err.Error())
		return err
	}
}

func (r *run) registerHandlers(ctx workflow.Context) error {
	if err := workflow.SetQueryHandler(ctx, QueryProgress, func() (Progress, error) {
		p := r.progress
		p.Elapsed = workflow.Now(ctx).Sub(r.started)
		return p, nil
	}); err != nil {
		return err
	}
	if err := workflow.SetQueryHandler(ctx, QueryPaused, func() (bool, error) {
		return r.paused, nil
	}); err != nil {
		return err
	}
	if err := workflow.SetQueryHandler(ctx, QueryCanceled, func() (bool, error) {
		return r.cancelled, nil
	}); err != nil {
		return err
	}

	pauseCh := workflow.GetSignalChannel(ctx, SignalPause)
	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)
	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)
	workflow.Go(ctx, func(ctx workflow.Context) {
		for {
			selector := workflow.NewSelector(ctx)
			selector.AddReceive(pauseCh, func(c workflow.ReceiveChannel, _ bool) {
				c.Receive(ctx, nil)
				r.paused = true
				r.progress.Status = knowledge.StatusPaused
			})
			selector.AddReceive(resumeCh, func(c workflow.ReceiveChannel, _ bool) {
				c.Receive(ctx, nil)
				r.paused = false
				if !r.cancelled {
					r.progress.Status = knowledge.StatusRunning
				}
			})
			selector.AddReceive(cancelCh, func(c workflow.ReceiveChannel, _ bool) {
				c.Receive(ctx, nil)
				r.cancelled = true
			})
			selector.Select(ctx)
		}
	})
	return nil
}

// gate is the pause/cancel checkpoint placed at phase boundaries and
// between iterated items.
func (r *run) gate(ctx workflow.Context) error {
	if r.paused && !r.cancelled {
		workflow.GetLogger(ctx).Info("paused", "phase", r.progress.Phase)
		if err := workflow.Await(ctx, func() bool { return !r.paused || r.cancelled }); err != nil {
			return err
		}
	}
	if r.cancelled {
		return errCancelled
	}
	return workflow.Sleep(ctx, 0)
}

func (r *run) runPhases(ctx workflow.Context) error {
	resumeIdx := 0
	for i, ph := range knowledge.Phases {
		if ph == r.input.ResumePhase {
			resumeIdx = i
		}
	}
	for i, phase := range knowledge.Phases {
		if i < resumeIdx {
			continue
		}
		if err := r.gate(ctx); err != nil {
			return err
		}
		r.progress.Phase = phase
		r.snapshotState(ctx)

		var err error
		switch phase {
		case knowledge.PhaseIngestion:
			err = r.ingestionPhase(ctx)
		case knowledge.PhaseExtraction:
			err = r.extractionPhase(ctx)
		case knowledge.PhaseGraph:
			err = r.graphPhase(ctx)
		case knowledge.PhaseExploration:
			err = r.explorationPhase(ctx)
		case knowledge.PhaseVerification:
			err = r.verificationPhase(ctx)
		case knowledge.PhaseEnrichment:
			err = r.enrichmentPhase(ctx)
		}
		if err != nil {
			return err
		}

		if workflow.GetInfo(ctx).GetContinueAsNewSuggested() && i+1 < len(knowledge.Phases) {
			r.drainSignals(ctx)
			next := r.input
			next.ResumePhase = knowledge.Phases[i+1]
			return workflow.NewContinueAsNewError(ctx, WorkflowName, next)
		}
	}
	return nil
}

// drainSignals empties every signal channel before continue-as-new so no
// buffered signal is lost across the run boundary.
func (r *run) drainSignals(ctx workflow.Context) {
	for _, name := range []string{SignalPause, SignalResume, SignalCancel} {
		ch := workflow.GetSignalChannel(ctx, name)
		for ch.ReceiveAsync(nil) {
			switch name {
			case SignalPause:
				r.paused = true
			case SignalResume:
				r.paused = false
			case SignalCancel:
				r.cancelled = true
			}
		}
	}
}

func (r *run) ingestionPhase(ctx workflow.Context) error {
	if r.input.Resync {
		r.progress.CurrentActivity = ActivityResyncDelete
		var deleted int64
		if err := workflow.ExecuteActivity(ctx, ActivityResyncDelete, r.input.KnowledgeID).Get(ctx, &deleted); err != nil {
			return fmt.Errorf("resync delete: %w", err)
		}
	}

	sources := r.input.Sources()
	r.progress.TotalItems = len(sources)
	workflowID := workflow.GetInfo(ctx).WorkflowExecution.ID

	var outcomes []ingest.Outcome
	for _, batch := range ingest.Batches(sources) {
		if err := r.gate(ctx); err != nil {
			return err
		}
		summaries := make([]*IngestSummary, len(batch))
		futures := make([]workflow.Future, len(batch))
		for i, src := range batch {
			if src.ResolvedType() == knowledge.SourceVideo {
				// The video sub-pipeline is sequenced inline; only one
				// video runs at a time to keep history growth bounded.
				summary, err := r.ingestVideo(ctx, src, workflowID)
				if err != nil {
					return err
				}
				summaries[i] = summary
				continue
			}
			futures[i] = workflow.ExecuteActivity(ctx, ActivityIngestSource, IngestSourceInput{
				Source: src,
				Crawl: crawl.Options{
					MaxPages: r.input.Options.MaxPages,
					MaxDepth: r.input.Options.MaxDepth,
					Strategy: crawl.BFS,
				},
				WorkflowID:  workflowID,
				KnowledgeID: r.input.KnowledgeID,
				JobID:       r.input.JobID,
			})
		}
		for i, fut := range futures {
			if fut == nil {
				continue
			}
			var summary IngestSummary
			if err := fut.Get(ctx, &summary); err != nil {
				outcomes = append(outcomes, ingest.Outcome{
					URL:    batch[i].URL,
					Errors: []string{fmt.Sprintf("ingest %s: %v", batch[i].URL, err)},
				})
				continue
			}
			summaries[i] = &summary
		}
		for i, summary := range summaries {
			if summary == nil {
				continue
			}
			r.progress.ItemsProcessed++
			outcomes = append(outcomes, ingest.Outcome{
				URL:     batch[i].URL,
				Success: summary.Success,
				Chunks:  summary.Chunks,
				Errors:  summary.Errors,
			})
			if summary.Success || summary.Chunks > 0 {
				r.progress.SourcesIngested++
			}
		}
	}
	warnings, err := ingest.Summarize(outcomes)
	r.progress.Errors = append(r.progress.Errors, warnings...)
	return err
}

// ingestVideo runs the three video stages: transcription and frame
// filtering fan out in parallel, vision batches run sequentially with a
// checkpoint per batch, assembly joins the results.
func (r *run) ingestVideo(ctx workflow.Context, src knowledge.Source, workflowID string) (*IngestSummary, error) {
	ingestionID := knowledge.IngestionID(workflowID, src.URL, r.input.JobID)
	in := VideoInput{
		Path:        src.URL,
		SourceName:  src.Name,
		IngestionID: ingestionID,
		KnowledgeID: r.input.KnowledgeID,
		JobID:       r.input.JobID,
	}

	r.progress.CurrentActivity = ActivityVideoTranscribe
	transcribeFut := workflow.ExecuteActivity(ctx, ActivityVideoTranscribe, in)
	framesFut := workflow.ExecuteActivity(ctx, ActivityVideoFrames, in)

	var filter video.FilterResult
	if err := framesFut.Get(ctx, &filter); err != nil {
		return nil, fmt.Errorf("frame filtering %s: %w", src.URL, err)
	}
	var transcript *llm.Transcript
	if err := transcribeFut.Get(ctx, &transcript); err != nil {
		// Transcription failure degrades the result; frames carry the run.
		r.progress.Errors = append(r.progress.Errors, fmt.Sprintf("transcribe %s: %v", src.URL, err))
	}

	var checkpoint knowledge.Checkpoint
	if err := workflow.ExecuteActivity(ctx, ActivityLoadCheckpoint, CheckpointInput{
		WorkflowID: workflowID,
		Phase:      knowledge.PhaseIngestion,
	}).Get(ctx, &checkpoint); err != nil {
		return nil, err
	}
	done := make(map[string]struct{}, len(checkpoint.ItemsProcessed))
	for _, item := range checkpoint.ItemsProcessed {
		done[item] = struct{}{}
	}

	r.progress.CurrentActivity = ActivityVideoAnalyzeBatch
	var keys []string
	batches := video.SplitBatches(filter.Filtered)
	for idx, frames := range batches {
		if err := r.gate(ctx); err != nil {
			return nil, err
		}
		item := fmt.Sprintf("%s/batch-%d", ingestionID, idx)
		if _, ok := done[item]; ok {
			continue
		}
		var key string
		if err := workflow.ExecuteActivity(ctx, ActivityVideoAnalyzeBatch, VideoBatchInput{Frames: frames}).Get(ctx, &key); err != nil {
			// A failed batch drops only its frames.
			r.progress.Errors = append(r.progress.Errors, fmt.Sprintf("vision batch %d of %s: %v", idx, src.URL, err))
			continue
		}
		keys = append(keys, key)
		checkpoint.ItemsProcessed = append(checkpoint.ItemsProcessed, item)
		if err := workflow.ExecuteActivity(ctx, ActivitySaveCheckpoint, CheckpointInput{
			WorkflowID: workflowID,
			Phase:      knowledge.PhaseIngestion,
			Items:      checkpoint.ItemsProcessed,
			Token:      key,
		}).Get(ctx, nil); err != nil {
			return nil, err
		}
	}

	r.progress.CurrentActivity = ActivityVideoAssemble
	var summary IngestSummary
	if err := workflow.ExecuteActivity(ctx, ActivityVideoAssemble, video.AssembleInput{
		IngestionID: ingestionID,
		KnowledgeID: r.input.KnowledgeID,
		JobID:       r.input.JobID,
		SourceURL:   src.URL,
		SourceName:  src.Name,
		Transcript:  transcript,
		BatchKeys:   keys,
		Filter:      &filter,
	}).Get(ctx, &summary); err != nil {
		return nil, fmt.Errorf("assemble %s: %w", src.URL, err)
	}
	return &summary, nil
}

func (r *run) extractionPhase(ctx workflow.Context) error {
	r.progress.TotalItems = len(extractorOrder)
	r.progress.ItemsProcessed = 0
	hasNonVideo := false
	for _, src := range r.input.Sources() {
		if src.ResolvedType() != knowledge.SourceVideo {
			hasNonVideo = true
		}
	}

	for _, name := range extractorOrder {
		if err := r.gate(ctx); err != nil {
			return err
		}
		r.progress.CurrentActivity = name
		var res extract.Result
		if err := workflow.ExecuteActivity(ctx, ActivityExtract, ExtractInput{
			Extractor:   name,
			WebsiteID:   r.websiteID,
			KnowledgeID: r.input.KnowledgeID,
			JobID:       r.input.JobID,
		}).Get(ctx, &res); err != nil {
			return fmt.Errorf("extract %s: %w", name, err)
		}
		r.progress.ItemsProcessed++
		r.progress.Errors = append(r.progress.Errors, res.Errors...)
		switch name {
		case "screens":
			r.progress.ScreensExtracted = len(res.EntityIDs)
			if len(res.EntityIDs) == 0 && hasNonVideo {
				// Zero screens from a documentation or website source means
				// loading is broken, not that the site has no screens.
				return temporal.NewNonRetryableApplicationError(
					"no screens extracted from non-video sources", "empty_extraction", nil)
			}
		case "tasks":
			r.progress.TasksExtracted = len(res.EntityIDs)
		}
	}

	r.progress.CurrentActivity = ActivityLink
	return workflow.ExecuteActivity(ctx, ActivityLink, ScopeInput{
		KnowledgeID: r.input.KnowledgeID,
		JobID:       r.input.JobID,
	}).Get(ctx, nil)
}

func (r *run) graphPhase(ctx workflow.Context) error {
	r.progress.CurrentActivity = ActivityGraph
	return workflow.ExecuteActivity(ctx, ActivityGraph, ScopeInput{
		KnowledgeID: r.input.KnowledgeID,
		JobID:       r.input.JobID,
	}).Get(ctx, nil)
}

func (r *run) explorationPhase(ctx workflow.Context) error {
	if len(r.input.Options.WebsiteURLs) == 0 {
		return nil
	}
	r.progress.CurrentActivity = ActivityExplore
	var res explore.Result
	err := workflow.ExecuteActivity(ctx, ActivityExplore, ExploreInput{
		Options: explore.Options{
			URLs:          r.input.Options.WebsiteURLs,
			Credentials:   r.input.Options.Credentials,
			MaxPages:      r.input.Options.ExplorationMaxPages,
			MaxDepth:      r.input.Options.ExplorationMaxDepth,
			ExtractedFrom: r.exploreExtractedFrom(),
		},
		WebsiteID:   r.websiteID,
		KnowledgeID: r.input.KnowledgeID,
		JobID:       r.input.JobID,
	}).Get(ctx, &res)
	if err != nil {
		// Exploration enriches the graph but never gates completion.
		r.progress.Errors = append(r.progress.Errors, fmt.Sprintf("exploration: %v", err))
		return nil
	}
	r.progress.Errors = append(r.progress.Errors, res.Errors...)
	return nil
}

// exploreExtractedFrom tags exploration entities with the kind of source
// that surfaced the URLs: "video" for all-video runs, "documentation"
// otherwise.
func (r *run) exploreExtractedFrom() string {
	sources := r.input.Sources()
	if len(sources) == 0 {
		return "documentation"
	}
	for _, src := range sources {
		if src.ResolvedType() != knowledge.SourceVideo {
			return "documentation"
		}
	}
	return "video"
}

func (r *run) verificationPhase(ctx workflow.Context) error {
	r.progress.CurrentActivity = ActivityVerify
	return workflow.ExecuteActivity(ctx, ActivityVerify, ScopeInput{
		KnowledgeID: r.input.KnowledgeID,
		JobID:       r.input.JobID,
	}).Get(ctx, nil)
}

func (r *run) enrichmentPhase(ctx workflow.Context) error {
	r.progress.CurrentActivity = ActivityEnrich
	return workflow.ExecuteActivity(ctx, ActivityEnrich, ScopeInput{
		KnowledgeID: r.input.KnowledgeID,
		JobID:       r.input.JobID,
	}).Get(ctx, nil)
}

// snapshotState persists the progress snapshot so REST reads survive worker
// restarts. Persistence failures are logged, not fatal.
func (r *run) snapshotState(ctx workflow.Context) {
	st := r.state(ctx)
	if err := workflow.ExecuteActivity(ctx, ActivitySaveState, st).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("save workflow state failed", "error", err)
	}
}

// saveFinalState records the terminal status on a disconnected context so
// it runs even after cancellation.
func (r *run) saveFinalState(ctx workflow.Context, status knowledge.WorkflowStatus, errMsg string) {
	r.progress.Status = status
	dctx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	st := r.state(dctx)
	st.Status = status
	if errMsg != "" {
		st.Errors = append(st.Errors, errMsg)
	}
	st.ProcessingTime = workflow.Now(dctx).Sub(r.started)
	if err := workflow.ExecuteActivity(dctx, ActivitySaveState, st).Get(dctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("save final workflow state failed", "error", err)
	}
}

func (r *run) state(ctx workflow.Context) *knowledge.WorkflowState {
	total := float64(len(knowledge.Phases))
	completed := 0.0
	for i, ph := range knowledge.Phases {
		if ph == r.progress.Phase {
			completed = float64(i)
		}
	}
	return &knowledge.WorkflowState{
		WorkflowID:      workflow.GetInfo(ctx).WorkflowExecution.ID,
		JobID:           r.input.JobID,
		KnowledgeID:     r.input.KnowledgeID,
		Status:          r.progress.Status,
		Phase:           r.progress.Phase,
		CurrentActivity: r.progress.CurrentActivity,
		Progress:        completed / total,
		Errors:          r.progress.Errors,
		StartedAt:       r.started,
	}
}
