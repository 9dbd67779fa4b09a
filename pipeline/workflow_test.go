package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"opskb/explore"
	"opskb/extract"
	"opskb/knowledge"
	"opskb/linker"
	"opskb/store/inmem"
	"opskb/verify"
)

// fakeActivities stands in for the real activity set so workflow logic can
// be exercised without stores, browsers or models.
type fakeActivities struct {
	mu          sync.Mutex
	calls       []string
	screenCount int
	ingestFail  bool
	exploreOpts explore.Options
	states      []knowledge.WorkflowState
}

func (f *fakeActivities) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeActivities) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeActivities) lastState() knowledge.WorkflowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return knowledge.WorkflowState{}
	}
	return f.states[len(f.states)-1]
}

func (f *fakeActivities) IngestSource(_ context.Context, in IngestSourceInput) (*IngestSummary, error) {
	f.record(ActivityIngestSource)
	if f.ingestFail {
		return nil, fmt.Errorf("fetch %s: connection refused", in.Source.URL)
	}
	return &IngestSummary{IngestionID: "ing-1", Success: true, Chunks: 3, TotalTokens: 900}, nil
}

func (f *fakeActivities) Extract(_ context.Context, in ExtractInput) (*extract.Result, error) {
	f.record(ActivityExtract + ":" + in.Extractor)
	count := 2
	if in.Extractor == "screens" {
		count = f.screenCount
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", in.Extractor, i)
	}
	return &extract.Result{EntityIDs: ids, Success: true}, nil
}

func (f *fakeActivities) Link(_ context.Context, in ScopeInput) (*linker.Stats, error) {
	f.record(ActivityLink)
	return &linker.Stats{TaskScreen: 1}, nil
}

func (f *fakeActivities) Graph(_ context.Context, in ScopeInput) (*verify.GraphReport, error) {
	f.record(ActivityGraph)
	return &verify.GraphReport{Nodes: 2, Edges: 1}, nil
}

func (f *fakeActivities) Explore(_ context.Context, in ExploreInput) (*explore.Result, error) {
	f.record(ActivityExplore)
	f.mu.Lock()
	f.exploreOpts = in.Options
	f.mu.Unlock()
	return &explore.Result{URLsExplored: len(in.Options.URLs)}, nil
}

func (f *fakeActivities) Verify(_ context.Context, in ScopeInput) (*verify.VerificationReport, error) {
	f.record(ActivityVerify)
	return &verify.VerificationReport{ScreensChecked: f.screenCount}, nil
}

func (f *fakeActivities) Enrich(_ context.Context, in ScopeInput) (*verify.EnrichmentReport, error) {
	f.record(ActivityEnrich)
	return &verify.EnrichmentReport{}, nil
}

func (f *fakeActivities) SaveState(_ context.Context, st *knowledge.WorkflowState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, *st)
	return nil
}

func (f *fakeActivities) ResyncDelete(_ context.Context, knowledgeID string) (int64, error) {
	f.record(ActivityResyncDelete)
	return 5, nil
}

func (f *fakeActivities) SaveCheckpoint(context.Context, CheckpointInput) error { return nil }

func (f *fakeActivities) LoadCheckpoint(_ context.Context, in CheckpointInput) (*knowledge.Checkpoint, error) {
	return &knowledge.Checkpoint{WorkflowID: in.WorkflowID, Phase: in.Phase}, nil
}

func newEnv(t *testing.T, fake *fakeActivities) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(ExtractionWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	reg := func(name string, fn any) {
		env.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	}
	reg(ActivityIngestSource, fake.IngestSource)
	reg(ActivityExtract, fake.Extract)
	reg(ActivityLink, fake.Link)
	reg(ActivityGraph, fake.Graph)
	reg(ActivityExplore, fake.Explore)
	reg(ActivityVerify, fake.Verify)
	reg(ActivityEnrich, fake.Enrich)
	reg(ActivitySaveState, fake.SaveState)
	reg(ActivityResyncDelete, fake.ResyncDelete)
	reg(ActivitySaveCheckpoint, fake.SaveCheckpoint)
	reg(ActivityLoadCheckpoint, fake.LoadCheckpoint)
	return env
}

func docInput() Input {
	return Input{
		KnowledgeID: "kb1",
		SourceURL:   "file:///docs/guide.md",
		SourceName:  "Guide",
	}
}

func TestWorkflowHappyPath(t *testing.T) {
	fake := &fakeActivities{screenCount: 3}
	env := newEnv(t, fake)

	env.ExecuteWorkflow(WorkflowName, docInput())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	assert.Equal(t, 1, fake.called(ActivityIngestSource))
	for _, name := range extractorOrder {
		assert.Equal(t, 1, fake.called(ActivityExtract+":"+name), name)
	}
	assert.Equal(t, 1, fake.called(ActivityLink))
	assert.Equal(t, 1, fake.called(ActivityGraph))
	assert.Equal(t, 1, fake.called(ActivityVerify))
	assert.Equal(t, 1, fake.called(ActivityEnrich))
	// No exploration URLs were configured.
	assert.Zero(t, fake.called(ActivityExplore))
	assert.Zero(t, fake.called(ActivityResyncDelete))

	st := fake.lastState()
	assert.Equal(t, knowledge.StatusCompleted, st.Status)
	assert.Equal(t, "kb1", st.KnowledgeID)
	assert.NotEmpty(t, st.JobID)

	val, err := env.QueryWorkflow(QueryProgress)
	require.NoError(t, err)
	var p Progress
	require.NoError(t, val.Get(&p))
	assert.Equal(t, knowledge.StatusCompleted, p.Status)
	assert.Equal(t, 3, p.ScreensExtracted)
	assert.Equal(t, 2, p.TasksExtracted)
	assert.Equal(t, 1, p.SourcesIngested)
}

func TestWorkflowRunsExplorationAndResync(t *testing.T) {
	fake := &fakeActivities{screenCount: 1}
	env := newEnv(t, fake)

	in := docInput()
	in.Resync = true
	in.Options.WebsiteURLs = []string{"https://app.example.com"}
	env.ExecuteWorkflow(WorkflowName, in)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 1, fake.called(ActivityResyncDelete))
	assert.Equal(t, 1, fake.called(ActivityExplore))
	// A documentation-sourced run tags exploration entities accordingly.
	assert.Equal(t, "documentation", fake.exploreOpts.ExtractedFrom)
}

func TestWorkflowFailsWhenEverySourceFails(t *testing.T) {
	fake := &fakeActivities{ingestFail: true}
	env := newEnv(t, fake)

	in := docInput()
	in.SourceURL = ""
	in.SourceURLs = []string{"https://a.example.com/docs", "https://b.example.com/docs"}
	env.ExecuteWorkflow(WorkflowName, in)
	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 sources failed to ingest")
	assert.Equal(t, knowledge.StatusFailed, fake.lastState().Status)
}

func TestExploreExtractedFromSourceKind(t *testing.T) {
	video := &run{input: Input{SourceURL: "/videos/demo.mp4", SourceType: knowledge.SourceVideo}}
	assert.Equal(t, "video", video.exploreExtractedFrom())

	docs := &run{input: Input{SourceURL: "file:///docs/guide.md"}}
	assert.Equal(t, "documentation", docs.exploreExtractedFrom())

	mixed := &run{input: Input{
		SourceURLs: []string{"/videos/demo.mp4", "https://app.example.com"},
		SourceType: "",
	}}
	assert.Equal(t, "documentation", mixed.exploreExtractedFrom())
}

func TestWorkflowValidatesInput(t *testing.T) {
	fake := &fakeActivities{screenCount: 1}

	env := newEnv(t, fake)
	env.ExecuteWorkflow(WorkflowName, Input{KnowledgeID: "kb1"})
	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of source_url or source_urls")

	env = newEnv(t, fake)
	env.ExecuteWorkflow(WorkflowName, Input{
		KnowledgeID: "kb1",
		SourceURL:   "file:///a.md",
		SourceURLs:  []string{"file:///b.md"},
	})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}

func TestWorkflowPauseAndResume(t *testing.T) {
	fake := &fakeActivities{screenCount: 2}
	env := newEnv(t, fake)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalPause, nil)
	}, 0)
	env.RegisterDelayedCallback(func() {
		val, err := env.QueryWorkflow(QueryPaused)
		require.NoError(t, err)
		var paused bool
		require.NoError(t, val.Get(&paused))
		assert.True(t, paused)
	}, 30*time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalResume, nil)
	}, time.Hour)

	env.ExecuteWorkflow(WorkflowName, docInput())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, knowledge.StatusCompleted, fake.lastState().Status)
}

func TestWorkflowCancelIsTerminal(t *testing.T) {
	fake := &fakeActivities{screenCount: 2}
	env := newEnv(t, fake)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalPause, nil)
	}, 0)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalCancel, nil)
	}, time.Hour)

	env.ExecuteWorkflow(WorkflowName, docInput())
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, knowledge.StatusCancelled, fake.lastState().Status)
	assert.Zero(t, fake.called(ActivityEnrich))
}

func TestWorkflowZeroScreensIsFatal(t *testing.T) {
	fake := &fakeActivities{screenCount: 0}
	env := newEnv(t, fake)

	env.ExecuteWorkflow(WorkflowName, docInput())
	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no screens extracted")
	assert.Equal(t, knowledge.StatusFailed, fake.lastState().Status)
}

// countingExtractor counts invocations so replay short-circuits are visible.
type countingExtractor struct {
	mu    sync.Mutex
	count int
}

func (c *countingExtractor) Name() string { return "screens" }

func (c *countingExtractor) Extract(context.Context, extract.Input) (extract.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return extract.Result{EntityIDs: []string{"screen-1"}, Success: true}, nil
}

func TestExtractActivityIsIdempotent(t *testing.T) {
	st := inmem.New()
	counting := &countingExtractor{}
	acts := &ActivityContext{
		Store:       st,
		Idempotency: st,
		Bank:        extract.NewBank(nil, counting),
	}

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	env.RegisterActivityWithOptions(acts.Extract, activity.RegisterOptions{Name: ActivityExtract})

	in := ExtractInput{Extractor: "screens", WebsiteID: "site", KnowledgeID: "kb1", JobID: "j1"}
	for run := 0; run < 2; run++ {
		val, err := env.ExecuteActivity(acts.Extract, in)
		require.NoError(t, err)
		var res extract.Result
		require.NoError(t, val.Get(&res))
		assert.Equal(t, []string{"screen-1"}, res.EntityIDs)
	}
	assert.Equal(t, 1, counting.count)
}

func TestInputHashIsStable(t *testing.T) {
	in := ExtractInput{Extractor: "tasks", KnowledgeID: "kb1", JobID: "j1"}
	h1, err := InputHash(ActivityExtract, in)
	require.NoError(t, err)
	h2, err := InputHash(ActivityExtract, in)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	other, err := InputHash(ActivityExtract, ExtractInput{Extractor: "tasks", KnowledgeID: "kb1", JobID: "j2"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, other)
}

func TestDeriveWebsiteID(t *testing.T) {
	assert.Equal(t, "app.example.com", DeriveWebsiteID([]knowledge.Source{
		{URL: "https://app.example.com/docs"},
		{URL: "https://app.example.com/guide"},
	}))
	assert.Equal(t, "mixed-assets", DeriveWebsiteID([]knowledge.Source{
		{URL: "https://a.example.com"},
		{URL: "https://b.example.com"},
	}))
	assert.Equal(t, "unknown", DeriveWebsiteID([]knowledge.Source{
		{URL: "/data/manual.pdf"},
	}))
}
