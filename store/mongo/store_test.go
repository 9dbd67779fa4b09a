package mongo

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"opskb/knowledge"
	"opskb/store"
)

// fakeColl is an in-memory stand-in for a Mongo collection. It implements
// the subset of query semantics the store relies on: equality filters,
// $set/$setOnInsert/$addToSet updates, upserts, a created_at sort and
// duplicate-key errors on the declared unique key.
type fakeColl struct {
	mu     sync.Mutex
	docs   []bson.M
	unique []string
}

func (c *fakeColl) matches(doc, filter bson.M) bool {
	for k, v := range filter {
		if !reflect.DeepEqual(doc[k], v) {
			return false
		}
	}
	return true
}

func (c *fakeColl) find(filter bson.M) []bson.M {
	var out []bson.M
	for _, d := range c.docs {
		if c.matches(d, filter) {
			out = append(out, d)
		}
	}
	return out
}

func docCreatedAt(d bson.M) int64 {
	switch v := d["created_at"].(type) {
	case primitive.DateTime:
		return int64(v)
	case time.Time:
		return v.UnixMilli()
	default:
		return 0
	}
}

func (c *fakeColl) FindOne(_ context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	matched := c.find(filter.(bson.M))
	if len(matched) == 0 {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	for _, o := range opts {
		if o != nil && o.Sort != nil {
			sort.SliceStable(matched, func(i, j int) bool {
				return docCreatedAt(matched[i]) > docCreatedAt(matched[j])
			})
		}
	}
	return fakeSingleResult{doc: matched[0]}
}

func (c *fakeColl) Find(_ context.Context, filter any, _ ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fakeCursor{docs: c.find(filter.(bson.M))}, nil
}

func (c *fakeColl) UpdateOne(_ context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	u := update.(bson.M)
	for _, d := range c.docs {
		if c.matches(d, f) {
			applyUpdate(d, u, false)
			return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
	}
	upsert := false
	for _, o := range opts {
		if o != nil && o.Upsert != nil && *o.Upsert {
			upsert = true
		}
	}
	if !upsert {
		return &mongodriver.UpdateResult{}, nil
	}
	doc := bson.M{}
	for k, v := range f {
		doc[k] = v
	}
	applyUpdate(doc, u, true)
	if len(c.unique) > 0 {
		key := bson.M{}
		for _, field := range c.unique {
			key[field] = doc[field]
		}
		if len(c.find(key)) > 0 {
			return nil, mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000}}}
		}
	}
	c.docs = append(c.docs, doc)
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func applyUpdate(doc, update bson.M, inserting bool) {
	if set, ok := update["$set"].(bson.M); ok {
		for k, v := range set {
			doc[k] = v
		}
	}
	if soi, ok := update["$setOnInsert"].(bson.M); ok && inserting {
		for k, v := range soi {
			doc[k] = v
		}
	}
	if ats, ok := update["$addToSet"].(bson.M); ok {
		for field, spec := range ats {
			values := spec.(bson.M)["$each"].([]string)
			existing, _ := doc[field].([]any)
			seen := make(map[string]bool, len(existing))
			for _, v := range existing {
				if s, ok := v.(string); ok {
					seen[s] = true
				}
			}
			for _, v := range values {
				if !seen[v] {
					existing = append(existing, v)
					seen[v] = true
				}
			}
			doc[field] = existing
		}
	}
}

func (c *fakeColl) DeleteMany(_ context.Context, filter any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	var kept []bson.M
	var deleted int64
	for _, d := range c.docs {
		if c.matches(d, f) {
			deleted++
			continue
		}
		kept = append(kept, d)
	}
	c.docs = kept
	return deleted, nil
}

func (c *fakeColl) CountDocuments(_ context.Context, filter any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.find(filter.(bson.M)))), nil
}

func (c *fakeColl) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}

type fakeSingleResult struct {
	doc bson.M
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	raw, err := bson.Marshal(r.doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

type fakeCursor struct{ docs []bson.M }

func (c fakeCursor) All(_ context.Context, results any) error {
	rv := reflect.ValueOf(results).Elem()
	out := reflect.MakeSlice(rv.Type(), 0, len(c.docs))
	for _, d := range c.docs {
		raw, err := bson.Marshal(d)
		if err != nil {
			return err
		}
		elem := reflect.New(rv.Type().Elem())
		if err := bson.Unmarshal(raw, elem.Interface()); err != nil {
			return err
		}
		out = reflect.Append(out, elem.Elem())
	}
	rv.Set(out)
	return nil
}

func newFakeStore() (*Store, map[string]*fakeColl) {
	colls := make(map[string]*fakeColl)
	s := &Store{
		timeout: time.Second,
		colls: func(name string) collection {
			c, ok := colls[name]
			if !ok {
				c = &fakeColl{}
				if name == collActivityLog {
					c.unique = []string{"workflow_id", "activity_name", "input_hash"}
				}
				colls[name] = c
			}
			return c
		},
	}
	return s, colls
}

func TestSaveScreensMintsIDsAndStamps(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	screens := []knowledge.Screen{{
		Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "job1"},
		Name:     "Login",
	}}
	res, err := s.SaveScreens(ctx, screens)
	require.NoError(t, err)
	assert.Equal(t, store.BulkResult{Saved: 1, Total: 1}, res)
	assert.True(t, strings.HasPrefix(screens[0].EntityID, "screen-"))
	assert.False(t, screens[0].CreatedAt.IsZero())

	got, err := s.Screens(ctx, "kb1", "job1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Login", got[0].Name)
	assert.Equal(t, screens[0].EntityID, got[0].EntityID)
}

func TestSaveScreensPreservesCreatedAtOnResave(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	screens := []knowledge.Screen{{
		Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "job1"},
		Name:     "Dashboard",
	}}
	_, err := s.SaveScreens(ctx, screens)
	require.NoError(t, err)
	created := screens[0].CreatedAt

	time.Sleep(2 * time.Millisecond)
	screens[0].Name = "Dashboard v2"
	_, err = s.SaveScreens(ctx, screens)
	require.NoError(t, err)

	got, err := s.ScreenByID(ctx, screens[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "Dashboard v2", got.Name)
	assert.Equal(t, created.UnixMilli(), got.CreatedAt.UnixMilli())
	assert.GreaterOrEqual(t, got.UpdatedAt.UnixMilli(), created.UnixMilli())
}

func TestScreensResolvesLatestJobWhenUnscoped(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	old := []knowledge.Screen{{
		Envelope: knowledge.Envelope{
			KnowledgeID: "kb1",
			JobID:       "job-old",
			CreatedAt:   time.Now().Add(-time.Hour),
		},
		Name: "Old",
	}}
	_, err := s.SaveScreens(ctx, old)
	require.NoError(t, err)

	fresh := []knowledge.Screen{{
		Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "job-new"},
		Name:     "New",
	}}
	_, err = s.SaveScreens(ctx, fresh)
	require.NoError(t, err)

	got, err := s.Screens(ctx, "kb1", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "New", got[0].Name)
	assert.Equal(t, "job-new", got[0].JobID)
}

func TestScreensUnknownKnowledgeReturnsEmpty(t *testing.T) {
	s, _ := newFakeStore()
	got, err := s.Screens(context.Background(), "nope", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScreenByIDNotFound(t *testing.T) {
	s, _ := newFakeStore()
	_, err := s.ScreenByID(context.Background(), "screen-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddToSetDeduplicates(t *testing.T) {
	s, colls := newFakeStore()
	ctx := context.Background()

	screens := []knowledge.Screen{{
		Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "job1"},
		Name:     "Settings",
	}}
	_, err := s.SaveScreens(ctx, screens)
	require.NoError(t, err)
	id := screens[0].EntityID

	require.NoError(t, s.AddToSet(ctx, knowledge.KindScreen, id, "action_ids", "action-a", "action-b"))
	require.NoError(t, s.AddToSet(ctx, knowledge.KindScreen, id, "action_ids", "action-b", "action-c"))

	coll := colls[string(knowledge.KindScreen)]
	require.Len(t, coll.docs, 1)
	arr, _ := coll.docs[0]["action_ids"].([]any)
	assert.Equal(t, []any{"action-a", "action-b", "action-c"}, arr)
}

func TestRecordKeepsFirstSuccess(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	ok := &knowledge.ActivityExecution{
		WorkflowID:   "wf1",
		ActivityName: "ExtractScreens",
		InputHash:    "abc",
		Output:       []byte(`{"count":3}`),
		Success:      true,
	}
	require.NoError(t, s.Record(ctx, ok))

	// A later failed attempt for the same key must not clobber the success.
	fail := &knowledge.ActivityExecution{
		WorkflowID:   "wf1",
		ActivityName: "ExtractScreens",
		InputHash:    "abc",
		Success:      false,
		Error:        "transient",
	}
	require.NoError(t, s.Record(ctx, fail))

	got, err := s.Lookup(ctx, "wf1", "ExtractScreens", "abc")
	require.NoError(t, err)
	assert.True(t, got.Success)
	assert.Equal(t, []byte(`{"count":3}`), got.Output)
}

func TestRecordFailureThenSuccess(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	fail := &knowledge.ActivityExecution{
		WorkflowID:   "wf1",
		ActivityName: "ExtractTasks",
		InputHash:    "h1",
		Success:      false,
		Error:        "rate limited",
	}
	require.NoError(t, s.Record(ctx, fail))

	ok := &knowledge.ActivityExecution{
		WorkflowID:   "wf1",
		ActivityName: "ExtractTasks",
		InputHash:    "h1",
		Success:      true,
	}
	require.NoError(t, s.Record(ctx, ok))

	got, err := s.Lookup(ctx, "wf1", "ExtractTasks", "h1")
	require.NoError(t, err)
	assert.True(t, got.Success)
	assert.Empty(t, got.Error)
}

func TestLookupNotFound(t *testing.T) {
	s, _ := newFakeStore()
	_, err := s.Lookup(context.Background(), "wf1", "Nope", "h")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	cp := &knowledge.Checkpoint{
		WorkflowID:     "wf1",
		Phase:          knowledge.PhaseExtraction,
		ItemsProcessed: []string{"chunk-1", "chunk-2"},
		ResumeToken:    "2",
	}
	require.NoError(t, s.Save(ctx, cp))

	cp.ItemsProcessed = append(cp.ItemsProcessed, "chunk-3")
	cp.ResumeToken = "3"
	require.NoError(t, s.Save(ctx, cp))

	got, err := s.Load(ctx, "wf1", knowledge.PhaseExtraction)
	require.NoError(t, err)
	assert.Equal(t, "3", got.ResumeToken)
	assert.Equal(t, []string{"chunk-1", "chunk-2", "chunk-3"}, got.ItemsProcessed)

	_, err = s.Load(ctx, "wf1", knowledge.PhaseGraph)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngestionDedupRoundTrip(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	_, err := s.LookupHash(ctx, "deadbeef")
	assert.ErrorIs(t, err, store.ErrNotFound)

	meta := &knowledge.IngestionMetadata{
		ContentHash: "deadbeef",
		SourceURL:   "https://docs.example.com/guide",
		IngestionID: "ing-1",
	}
	require.NoError(t, s.RecordHash(ctx, meta))

	got, err := s.LookupHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "ing-1", got.IngestionID)
	assert.Equal(t, "https://docs.example.com/guide", got.SourceURL)
}

func TestDeleteKnowledgeCountsAcrossKinds(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	_, err := s.SaveScreens(ctx, []knowledge.Screen{
		{Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"}, Name: "A"},
		{Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"}, Name: "B"},
	})
	require.NoError(t, err)
	_, err = s.SaveTasks(ctx, []knowledge.Task{
		{Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"}, Name: "T"},
	})
	require.NoError(t, err)
	_, err = s.SaveScreens(ctx, []knowledge.Screen{
		{Envelope: knowledge.Envelope{KnowledgeID: "kb2", JobID: "j1"}, Name: "Other"},
	})
	require.NoError(t, err)

	n, err := s.DeleteKnowledge(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	left, err := s.Screens(ctx, "kb2", "j1")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestCountsScopedToLatestJob(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	_, err := s.SaveScreens(ctx, []knowledge.Screen{{
		Envelope: knowledge.Envelope{
			KnowledgeID: "kb1",
			JobID:       "j-old",
			CreatedAt:   time.Now().Add(-time.Hour),
		},
		Name: "Old",
	}})
	require.NoError(t, err)
	_, err = s.SaveScreens(ctx, []knowledge.Screen{
		{Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "j-new"}, Name: "N1"},
		{Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "j-new"}, Name: "N2"},
	})
	require.NoError(t, err)

	counts, err := s.Counts(ctx, "kb1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[knowledge.KindScreen])
	assert.Equal(t, int64(0), counts[knowledge.KindTask])
}

func TestSaveWorkflowStateUpserts(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	st := &knowledge.WorkflowState{
		WorkflowID:  "wf1",
		JobID:       "j1",
		KnowledgeID: "kb1",
		Status:      knowledge.StatusRunning,
		Phase:       knowledge.PhaseIngestion,
		Progress:    0.1,
	}
	require.NoError(t, s.SaveWorkflowState(ctx, st))

	st.Status = knowledge.StatusCompleted
	st.Phase = knowledge.PhaseEnrichment
	st.Progress = 1.0
	require.NoError(t, s.SaveWorkflowState(ctx, st))

	got, err := s.WorkflowState(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, knowledge.StatusCompleted, got.Status)
	assert.Equal(t, knowledge.PhaseEnrichment, got.Phase)
	assert.InDelta(t, 1.0, got.Progress, 1e-9)
}
