package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"opskb/telemetry"
)

// Options configures the Temporal engine running the extraction pipeline.
// Either a pre-configured Client or ClientOptions must be provided; when the
// engine creates its own client it also wires OTEL instrumentation into it.
type Options struct {
	// Client is an optional pre-configured Temporal client. When nil the
	// engine creates a lazy client from ClientOptions.
	Client client.Client

	// ClientOptions describe how to construct the client when Client is
	// nil. Only connection fields need to be set; instrumentation is added
	// automatically.
	ClientOptions *client.Options

	// WorkerOptions configures the queue and worker behavior. An empty
	// TaskQueue defaults to TaskQueue.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics on the client and
	// workers. Both are enabled by default.
	Instrumentation InstrumentationOptions

	// Activities is the collaborator bundle backing every activity.
	Activities *ActivityContext

	// Logger emits worker lifecycle logs. Nil means silent.
	Logger telemetry.Logger
}

// WorkerOptions configures the worker settings shared by every task queue
// the engine manages.
type WorkerOptions struct {
	// TaskQueue is the default queue. Empty defaults to TaskQueue.
	TaskQueue string

	// Options are forwarded to Temporal's worker.New constructor.
	Options worker.Options
}

// InstrumentationOptions configures the OTEL wiring.
type InstrumentationOptions struct {
	// DisableTracing skips the OTEL tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips the OTEL metrics handler.
	DisableMetrics bool

	// TracerOptions customize the tracing interceptor.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine owns the Temporal client and the per-queue workers, registers the
// extraction workflow and its activities by name, and exposes the run
// controls the REST layer calls.
type Engine struct {
	client       client.Client
	closeClient  bool
	defaultQueue string
	workerOpts   worker.Options
	lg           telemetry.Logger

	mu      sync.Mutex
	workers map[string]*workerBundle
	started bool
}

// NewEngine constructs the engine and registers the workflow and all
// activities on the default queue. Workers are created but not started;
// call Start.
func NewEngine(opts Options) (*Engine, error) {
	queue := opts.WorkerOptions.TaskQueue
	if queue == "" {
		queue = TaskQueue
	}
	if opts.Activities == nil {
		return nil, fmt.Errorf("pipeline engine: activities are required")
	}
	lg := opts.Logger
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("pipeline engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("pipeline engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	e := &Engine{
		client:       cli,
		closeClient:  closeClient,
		defaultQueue: queue,
		workerOpts:   workerOpts,
		lg:           lg,
		workers:      make(map[string]*workerBundle),
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return nil, err
	}
	Register(bundle.worker, opts.Activities)
	return e, nil
}

// Register attaches the workflow and every activity to a worker under their
// registered names. Exposed so alternative worker setups share the exact
// production registration.
func Register(w worker.Registry, acts *ActivityContext) {
	w.RegisterWorkflowWithOptions(ExtractionWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	RegisterActivities(w, acts)
}

// RegisterActivities registers the activity methods by name.
func RegisterActivities(w worker.ActivityRegistry, acts *ActivityContext) {
	register := func(name string, fn any) {
		w.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	}
	register(ActivityIngestSource, acts.IngestSource)
	register(ActivityVideoTranscribe, acts.VideoTranscribe)
	register(ActivityVideoFrames, acts.VideoFrames)
	register(ActivityVideoAnalyzeBatch, acts.VideoAnalyzeBatch)
	register(ActivityVideoAssemble, acts.VideoAssemble)
	register(ActivityExtract, acts.Extract)
	register(ActivityLink, acts.Link)
	register(ActivityGraph, acts.Graph)
	register(ActivityExplore, acts.Explore)
	register(ActivityVerify, acts.Verify)
	register(ActivityEnrich, acts.Enrich)
	register(ActivitySaveState, acts.SaveState)
	register(ActivityResyncDelete, acts.ResyncDelete)
	register(ActivitySaveCheckpoint, acts.SaveCheckpoint)
	register(ActivityLoadCheckpoint, acts.LoadCheckpoint)
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	bundle := &workerBundle{
		queue:  queue,
		worker: worker.New(e.client, queue, e.workerOpts),
		lg:     e.lg,
	}
	e.workers[queue] = bundle
	if e.started {
		bundle.start()
	}
	return bundle, nil
}

// Start launches every worker. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	e.started = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

// Stop shuts down every worker.
func (e *Engine) Stop() {
	e.mu.Lock()
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
}

// Close stops the workers and closes the client when the engine owns it.
func (e *Engine) Close() {
	e.Stop()
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
}

// Client exposes the underlying Temporal client for components like the
// autoscaler that poll queue statistics.
func (e *Engine) Client() client.Client { return e.client }

// WorkflowIDFor derives the run's workflow id. It embeds the knowledge id
// so exactly one workflow owns a knowledge id's write set at a time.
func WorkflowIDFor(knowledgeID string) string {
	return "extraction-" + knowledgeID
}

// StartExtraction launches an extraction run.
func (e *Engine) StartExtraction(ctx context.Context, input Input) (Handle, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowIDFor(input.KnowledgeID),
		TaskQueue: e.defaultQueue,
	}, WorkflowName, input)
	if err != nil {
		return nil, fmt.Errorf("start extraction: %w", err)
	}
	e.lg.Info(ctx, "extraction started",
		"workflow_id", run.GetID(), "run_id", run.GetRunID(), "knowledge_id", input.KnowledgeID)
	return &workflowHandle{run: run}, nil
}

// Pause signals a running extraction to pause at the next checkpoint.
func (e *Engine) Pause(ctx context.Context, workflowID string) error {
	return e.client.SignalWorkflow(ctx, workflowID, "", SignalPause, nil)
}

// Resume signals a paused extraction to continue.
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	return e.client.SignalWorkflow(ctx, workflowID, "", SignalResume, nil)
}

// Cancel signals an extraction to stop at the next checkpoint.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	return e.client.SignalWorkflow(ctx, workflowID, "", SignalCancel, nil)
}

// Progress queries a running extraction's progress snapshot.
func (e *Engine) Progress(ctx context.Context, workflowID string) (*Progress, error) {
	val, err := e.client.QueryWorkflow(ctx, workflowID, "", QueryProgress)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	var p Progress
	if err := val.Get(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Handle refers to one started extraction run.
type Handle interface {
	// ID returns the workflow id.
	ID() string
	// RunID returns the run id.
	RunID() string
	// Wait blocks until the run completes.
	Wait(ctx context.Context) error
}

type workflowHandle struct {
	run client.WorkflowRun
}

func (h *workflowHandle) ID() string    { return h.run.GetID() }
func (h *workflowHandle) RunID() string { return h.run.GetRunID() }

func (h *workflowHandle) Wait(ctx context.Context) error {
	return h.run.Get(ctx, nil)
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	lg     telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.lg.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("pipeline engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}
