package linker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opskb/knowledge"
	"opskb/store/inmem"
)

type fixture struct {
	store  *inmem.Store
	linker *Linker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := inmem.New()
	return &fixture{store: st, linker: New(st, nil)}
}

func (f *fixture) saveScreen(t *testing.T, s knowledge.Screen) knowledge.Screen {
	t.Helper()
	s.KnowledgeID, s.JobID = "kb1", "j1"
	screens := []knowledge.Screen{s}
	_, err := f.store.SaveScreens(context.Background(), screens)
	require.NoError(t, err)
	return screens[0]
}

func TestLinkTasksToScreensByURLPattern(t *testing.T) {
	f := newFixture(t)
	screen := f.saveScreen(t, knowledge.Screen{
		Name:        "Order Detail",
		URLPatterns: []string{`https://shop\.example\.com/orders/\d+`},
	})
	task := knowledge.Task{
		Envelope: knowledge.Envelope{
			KnowledgeID: "kb1", JobID: "j1",
			Metadata: map[string]string{"page_url": "https://shop.example.com/orders/991"},
		},
		Name: "Refund an order",
	}
	_, err := f.store.SaveTasks(context.Background(), []knowledge.Task{task})
	require.NoError(t, err)

	stats, err := f.linker.Link(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TaskScreen)

	tasks, err := f.store.Tasks(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, []string{screen.EntityID}, tasks[0].ScreenIDs)

	screens, err := f.store.Screens(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Equal(t, []string{tasks[0].EntityID}, screens[0].TaskIDs)
}

func TestLinkActionsToScreensByScreenName(t *testing.T) {
	f := newFixture(t)
	f.saveScreen(t, knowledge.Screen{Name: "Login Page"})
	action := knowledge.Action{
		Envelope:   knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"},
		Name:       "click sign in",
		ActionType: knowledge.ActionClick,
		ScreenName: "login page",
	}
	_, err := f.store.SaveActions(context.Background(), []knowledge.Action{action})
	require.NoError(t, err)

	stats, err := f.linker.Link(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActionScreen)
}

func TestLinkFunctionsToScreens(t *testing.T) {
	f := newFixture(t)
	f.saveScreen(t, knowledge.Screen{Name: "Invoice Page"})
	fn := knowledge.BusinessFunction{
		Envelope:         knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"},
		Name:             "Invoice Management",
		ScreensMentioned: []string{"invoice page", "Reporting Console"},
	}
	_, err := f.store.SaveBusinessFunctions(context.Background(), []knowledge.BusinessFunction{fn})
	require.NoError(t, err)

	stats, err := f.linker.Link(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FunctionScreen)

	screens, err := f.store.Screens(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	require.Len(t, screens[0].BusinessFunctionIDs, 1)
}

func TestLinkWorkflowEntities(t *testing.T) {
	f := newFixture(t)
	f.saveScreen(t, knowledge.Screen{Name: "Ledger"})
	task := knowledge.Task{
		Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"},
		Name:     "Reconcile accounts",
	}
	_, err := f.store.SaveTasks(context.Background(), []knowledge.Task{task})
	require.NoError(t, err)
	wf := knowledge.OperationalWorkflow{
		Envelope: knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"},
		Name:     "Monthly close",
		Steps: []knowledge.WorkflowStep{
			{Order: 1, Screen: "Ledger", Task: "reconcile accounts"},
		},
	}
	_, err = f.store.SaveWorkflows(context.Background(), []knowledge.OperationalWorkflow{wf})
	require.NoError(t, err)

	stats, err := f.linker.Link(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.WorkflowEntities)

	wfs, err := f.store.Workflows(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	require.Len(t, wfs, 1)
	assert.Len(t, wfs[0].ScreenIDs, 1)
	assert.Len(t, wfs[0].TaskIDs, 1)
}

func TestLinkTransitionsMirrorsEndpointsAndResolvesAction(t *testing.T) {
	f := newFixture(t)
	from := f.saveScreen(t, knowledge.Screen{Name: "Login Page"})
	to := f.saveScreen(t, knowledge.Screen{Name: "Dashboard"})
	action := knowledge.Action{
		Envelope:       knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"},
		Name:           "click sign in",
		ActionType:     knowledge.ActionClick,
		TargetSelector: "#sign-in",
	}
	_, err := f.store.SaveActions(context.Background(), []knowledge.Action{action})
	require.NoError(t, err)
	actions, err := f.store.Actions(context.Background(), "kb1", "j1")
	require.NoError(t, err)

	tr := knowledge.Transition{
		Envelope:     knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"},
		FromScreenID: from.EntityID,
		ToScreenID:   to.EntityID,
		TriggeredBy:  knowledge.TransitionTrigger{ActionType: knowledge.ActionClick, ElementID: "sign-in"},
	}
	_, err = f.store.SaveTransitions(context.Background(), []knowledge.Transition{tr})
	require.NoError(t, err)

	stats, err := f.linker.Link(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TransitionLinks)

	screens, err := f.store.Screens(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	byName := map[string]knowledge.Screen{}
	for _, s := range screens {
		byName[s.Name] = s
	}
	transitions, err := f.store.Transitions(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, []string{transitions[0].EntityID}, byName["Login Page"].OutgoingTransitions)
	assert.Equal(t, []string{transitions[0].EntityID}, byName["Dashboard"].IncomingTransitions)
	assert.Equal(t, actions[0].EntityID, transitions[0].ActionID)

	updated, err := f.store.Actions(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Equal(t, []string{transitions[0].EntityID}, updated[0].TransitionIDs)
}

func TestLinkIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.saveScreen(t, knowledge.Screen{Name: "Login Page"})
	action := knowledge.Action{
		Envelope:   knowledge.Envelope{KnowledgeID: "kb1", JobID: "j1"},
		Name:       "click sign in",
		ScreenName: "Login Page",
	}
	_, err := f.store.SaveActions(context.Background(), []knowledge.Action{action})
	require.NoError(t, err)

	_, err = f.linker.Link(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	_, err = f.linker.Link(context.Background(), "kb1", "j1")
	require.NoError(t, err)

	screens, err := f.store.Screens(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Len(t, screens[0].ActionIDs, 1)
	actions, err := f.store.Actions(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	assert.Len(t, actions[0].ScreenIDs, 1)
}
