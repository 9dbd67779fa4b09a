package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opskb/knowledge"
	"opskb/store"
)

// The in-memory store must satisfy every persistence contract so tests and
// store-less runs can use it interchangeably with store/mongo.
var (
	_ store.Store           = (*Store)(nil)
	_ store.IdempotencyLog  = (*Store)(nil)
	_ store.CheckpointStore = (*Store)(nil)
	_ store.IngestionDedup  = (*Store)(nil)
)

func TestUpsertPreservesCreatedAt(t *testing.T) {
	s := New()
	ctx := context.Background()

	tasks := []knowledge.Task{{
		Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"},
		Name:     "Create invoice",
	}}
	_, err := s.SaveTasks(ctx, tasks)
	require.NoError(t, err)
	created := tasks[0].CreatedAt
	require.False(t, created.IsZero())

	time.Sleep(2 * time.Millisecond)
	tasks[0].Name = "Create invoice (draft)"
	_, err = s.SaveTasks(ctx, tasks)
	require.NoError(t, err)

	got, err := s.TaskByID(ctx, tasks[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "Create invoice (draft)", got.Name)
	assert.Equal(t, created.UnixMilli(), got.CreatedAt.UnixMilli())
}

func TestLatestJobResolution(t *testing.T) {
	s := New()
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
	_, err = s.SaveScreens(ctx, []knowledge.Screen{{
		Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "j-new"},
		Name:     "New",
	}})
	require.NoError(t, err)

	got, err := s.Screens(ctx, "kb1", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "New", got[0].Name)

	job, err := s.LatestJobID(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, "j-new", job)
}

func TestAddToSetSemantics(t *testing.T) {
	s := New()
	ctx := context.Background()

	screens := []knowledge.Screen{{
		Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"},
		Name:     "Inbox",
	}}
	_, err := s.SaveScreens(ctx, screens)
	require.NoError(t, err)
	id := screens[0].EntityID

	require.NoError(t, s.AddToSet(ctx, knowledge.KindScreen, id, "task_ids", "task-1"))
	require.NoError(t, s.AddToSet(ctx, knowledge.KindScreen, id, "task_ids", "task-1", "task-2"))

	got, err := s.ScreenByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1", "task-2"}, got.TaskIDs)

	err = s.AddToSet(ctx, knowledge.KindScreen, "screen-missing", "task_ids", "task-9")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIdempotencyLogSingleSuccess(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, &knowledge.ActivityExecution{
		WorkflowID:   "wf1",
		ActivityName: "IngestSource",
		InputHash:    "h",
		Success:      true,
		Output:       []byte("first"),
	}))
	require.NoError(t, s.Record(ctx, &knowledge.ActivityExecution{
		WorkflowID:   "wf1",
		ActivityName: "IngestSource",
		InputHash:    "h",
		Success:      false,
		Error:        "late failure",
	}))

	got, err := s.Lookup(ctx, "wf1", "IngestSource", "h")
	require.NoError(t, err)
	assert.True(t, got.Success)
	assert.Equal(t, []byte("first"), got.Output)
}

func TestDeleteKnowledge(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.SaveScreens(ctx, []knowledge.Screen{
		{Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"}, Name: "A"},
	})
	require.NoError(t, err)
	_, err = s.SaveWorkflows(ctx, []knowledge.OperationalWorkflow{
		{Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"}, Name: "W"},
	})
	require.NoError(t, err)

	n, err := s.DeleteKnowledge(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := s.Counts(ctx, "kb1", "j1")
	require.NoError(t, err)
	for kind, c := range counts {
		assert.Zero(t, c, string(kind))
	}
}
