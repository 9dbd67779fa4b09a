package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opskb/knowledge"
	"opskb/store/inmem"
)

func seed(t *testing.T, st *inmem.Store) (screens []knowledge.Screen) {
	t.Helper()
	screens = []knowledge.Screen{{Name: "Login Page"}, {Name: "Dashboard"}}
	for i := range screens {
		screens[i].KnowledgeID, screens[i].JobID = "kb1", "j1"
	}
	_, err := st.SaveScreens(context.Background(), screens)
	require.NoError(t, err)
	return screens
}

func TestGraphCountsAndIntegrity(t *testing.T) {
	st := inmem.New()
	screens := seed(t, st)
	transitions := []knowledge.Transition{
		{
			Envelope:     knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"},
			FromScreenID: screens[0].EntityID,
			ToScreenID:   screens[1].EntityID,
		},
		{
			Envelope:     knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"},
			FromScreenID: screens[1].EntityID,
			ToScreenID:   "screen-missing",
		},
	}
	_, err := st.SaveTransitions(context.Background(), transitions)
	require.NoError(t, err)

	report, err := New(st, nil).Graph(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Nodes)
	assert.Equal(t, int64(2), report.Edges)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "screen-missing")
}

func TestGraphEmptyKnowledge(t *testing.T) {
	report, err := New(inmem.New(), nil).Graph(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Zero(t, report.Nodes)
	assert.Empty(t, report.Errors)
}

func TestVerifyCleanSetRecordsNothing(t *testing.T) {
	st := inmem.New()
	seed(t, st)
	report, err := New(st, nil).Verify(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.ScreensChecked)
	assert.Zero(t, report.Discrepancies)

	ds, err := st.Discrepancies(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestEnrichNoDiscrepanciesIsNoop(t *testing.T) {
	st := inmem.New()
	seed(t, st)
	report, err := New(st, nil).Enrich(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Zero(t, report.DiscrepanciesSeen)
	assert.Zero(t, report.Corrected)
}

func TestEnrichPrunesDanglingReferences(t *testing.T) {
	st := inmem.New()
	screens := seed(t, st)
	require.NoError(t, st.AddToSet(context.Background(), knowledge.KindScreen,
		screens[0].EntityID, "action_ids", "action-kept", "action-gone"))
	_, err := st.SaveDiscrepancies(context.Background(), []knowledge.Discrepancy{{
		KnowledgeID: "kb1",
		JobID:       "j1",
		EntityKind:  knowledge.KindAction,
		EntityID:    "action-gone",
		Detail:      "action not resolvable",
	}})
	require.NoError(t, err)

	report, err := New(st, nil).Enrich(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.DiscrepanciesSeen)
	assert.Equal(t, 1, report.Corrected)

	got, err := st.ScreenByID(context.Background(), screens[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, []string{"action-kept"}, got.ActionIDs)
}
