// Package linker populates the cross-reference arrays between extracted
// entities. It runs once after extraction, reads every entity for a
// (knowledge_id, job_id) pair, and applies five linking passes. All writes
// go through the store's AddToSet so running the linker twice produces the
// same state as running it once.
package linker

import (
	"context"
	"fmt"
	"regexp"

	"opskb/knowledge"
	"opskb/match"
	"opskb/store"
	"opskb/telemetry"
)

// Stats counts the links each pass created (or confirmed).
type Stats struct {
	TaskScreen       int `json:"task_screen"`
	ActionScreen     int `json:"action_screen"`
	FunctionScreen   int `json:"function_screen"`
	WorkflowEntities int `json:"workflow_entities"`
	TransitionLinks  int `json:"transition_links"`
}

// Total returns the number of links across all passes.
func (s Stats) Total() int {
	return s.TaskScreen + s.ActionScreen + s.FunctionScreen + s.WorkflowEntities + s.TransitionLinks
}

// Linker wires entities together by id.
type Linker struct {
	store store.Store
	lg    telemetry.Logger
}

// New returns a Linker.
func New(st store.Store, lg telemetry.Logger) *Linker {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &Linker{store: st, lg: lg}
}

type entitySet struct {
	screens     []knowledge.Screen
	tasks       []knowledge.Task
	actions     []knowledge.Action
	transitions []knowledge.Transition
	functions   []knowledge.BusinessFunction
	workflows   []knowledge.OperationalWorkflow
}

// Link runs the five passes for one (knowledgeID, jobID) pair.
func (l *Linker) Link(ctx context.Context, knowledgeID, jobID string) (Stats, error) {
	set, err := l.load(ctx, knowledgeID, jobID)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	if stats.TaskScreen, err = l.linkTasksToScreens(ctx, set); err != nil {
		return stats, err
	}
	if stats.ActionScreen, err = l.linkActionsToScreens(ctx, set); err != nil {
		return stats, err
	}
	if stats.FunctionScreen, err = l.linkFunctionsToScreens(ctx, set); err != nil {
		return stats, err
	}
	if stats.WorkflowEntities, err = l.linkWorkflowEntities(ctx, set); err != nil {
		return stats, err
	}
	if stats.TransitionLinks, err = l.linkTransitions(ctx, set); err != nil {
		return stats, err
	}
	l.lg.Info(ctx, "linking complete",
		"knowledge_id", knowledgeID,
		"job_id", jobID,
		"links", stats.Total())
	return stats, nil
}

func (l *Linker) load(ctx context.Context, knowledgeID, jobID string) (*entitySet, error) {
	var (
		set entitySet
		err error
	)
	if set.screens, err = l.store.Screens(ctx, knowledgeID, jobID); err != nil {
		return nil, fmt.Errorf("load screens: %w", err)
	}
	if set.tasks, err = l.store.Tasks(ctx, knowledgeID, jobID); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	if set.actions, err = l.store.Actions(ctx, knowledgeID, jobID); err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}
	if set.transitions, err = l.store.Transitions(ctx, knowledgeID, jobID); err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	if set.functions, err = l.store.BusinessFunctions(ctx, knowledgeID, jobID); err != nil {
		return nil, fmt.Errorf("load business functions: %w", err)
	}
	if set.workflows, err = l.store.Workflows(ctx, knowledgeID, jobID); err != nil {
		return nil, fmt.Errorf("load workflows: %w", err)
	}
	return &set, nil
}

// linkTasksToScreens matches a task's page_url against screen url patterns,
// falling back to a fuzzy match of the task's screen context against screen
// names.
func (l *Linker) linkTasksToScreens(ctx context.Context, set *entitySet) (int, error) {
	links := 0
	for _, task := range set.tasks {
		for _, screen := range set.screens {
			if !taskMatchesScreen(task, screen) {
				continue
			}
			if err := l.bind(ctx, knowledge.KindTask, task.EntityID, "screen_ids", screen.EntityID,
				knowledge.KindScreen, screen.EntityID, "task_ids", task.EntityID); err != nil {
				return links, err
			}
			links++
		}
	}
	return links, nil
}

func taskMatchesScreen(task knowledge.Task, screen knowledge.Screen) bool {
	if pageURL := task.Metadata["page_url"]; pageURL != "" {
		for _, pattern := range screen.URLPatterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				continue
			}
			if re.MatchString(pageURL) {
				return true
			}
		}
	}
	context := task.Metadata["screen_context"]
	if context == "" {
		context = task.Name
	}
	return match.Names(context, screen.Name)
}

// linkActionsToScreens matches video-sourced actions by screen name,
// navigate actions by target URL and the rest by name containment.
func (l *Linker) linkActionsToScreens(ctx context.Context, set *entitySet) (int, error) {
	links := 0
	for _, action := range set.actions {
		for _, screen := range set.screens {
			if !actionMatchesScreen(action, screen) {
				continue
			}
			if err := l.bind(ctx, knowledge.KindAction, action.EntityID, "screen_ids", screen.EntityID,
				knowledge.KindScreen, screen.EntityID, "action_ids", action.EntityID); err != nil {
				return links, err
			}
			links++
		}
	}
	return links, nil
}

func actionMatchesScreen(action knowledge.Action, screen knowledge.Screen) bool {
	if action.ScreenName != "" && match.Names(action.ScreenName, screen.Name) {
		return true
	}
	if action.ActionType == knowledge.ActionNavigate {
		target := action.Parameters["url"]
		for _, pattern := range screen.URLPatterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				continue
			}
			if target != "" && re.MatchString(target) {
				return true
			}
		}
	}
	return match.Names(action.Name, screen.Name)
}

// linkFunctionsToScreens matches every screens_mentioned name against the
// screen set.
func (l *Linker) linkFunctionsToScreens(ctx context.Context, set *entitySet) (int, error) {
	links := 0
	for _, fn := range set.functions {
		for _, mentioned := range fn.ScreensMentioned {
			for _, screen := range set.screens {
				if !match.Names(mentioned, screen.Name) {
					continue
				}
				if err := l.bind(ctx, knowledge.KindBusinessFunction, fn.EntityID, "related_screens", screen.EntityID,
					knowledge.KindScreen, screen.EntityID, "business_function_ids", fn.EntityID); err != nil {
					return links, err
				}
				links++
			}
		}
	}
	return links, nil
}

// linkWorkflowEntities resolves each workflow step's screen, action and task
// names into ids on the workflow, mirroring workflow ids onto matched
// screens.
func (l *Linker) linkWorkflowEntities(ctx context.Context, set *entitySet) (int, error) {
	links := 0
	for _, wf := range set.workflows {
		for _, step := range wf.Steps {
			if step.Screen != "" {
				for _, screen := range set.screens {
					if !match.Names(step.Screen, screen.Name) {
						continue
					}
					if err := l.bind(ctx, knowledge.KindWorkflow, wf.EntityID, "screen_ids", screen.EntityID,
						knowledge.KindScreen, screen.EntityID, "workflow_ids", wf.EntityID); err != nil {
						return links, err
					}
					links++
				}
			}
			if step.Action != "" {
				for _, action := range set.actions {
					if !match.Names(step.Action, action.Name) {
						continue
					}
					if err := l.store.AddToSet(ctx, knowledge.KindWorkflow, wf.EntityID, "action_ids", action.EntityID); err != nil {
						return links, err
					}
					links++
				}
			}
			if step.Task != "" {
				for _, task := range set.tasks {
					if !match.Names(step.Task, task.Name) {
						continue
					}
					if err := l.store.AddToSet(ctx, knowledge.KindWorkflow, wf.EntityID, "task_ids", task.EntityID); err != nil {
						return links, err
					}
					links++
				}
			}
		}
	}
	return links, nil
}

// linkTransitions mirrors transition endpoints into the screens' outgoing
// and incoming arrays and resolves triggering elements to actions.
func (l *Linker) linkTransitions(ctx context.Context, set *entitySet) (int, error) {
	screenIDs := make(map[string]struct{}, len(set.screens))
	for _, s := range set.screens {
		screenIDs[s.EntityID] = struct{}{}
	}
	links := 0
	for i := range set.transitions {
		tr := &set.transitions[i]
		if _, ok := screenIDs[tr.FromScreenID]; ok {
			if err := l.store.AddToSet(ctx, knowledge.KindScreen, tr.FromScreenID, "outgoing_transitions", tr.EntityID); err != nil {
				return links, err
			}
			links++
		}
		if _, ok := screenIDs[tr.ToScreenID]; ok {
			if err := l.store.AddToSet(ctx, knowledge.KindScreen, tr.ToScreenID, "incoming_transitions", tr.EntityID); err != nil {
				return links, err
			}
			links++
		}
		if tr.TriggeredBy.ElementID == "" || tr.ActionID != "" {
			continue
		}
		if action := resolveElementAction(set.actions, tr.TriggeredBy.ElementID); action != nil {
			tr.ActionID = action.EntityID
			if _, err := l.store.SaveTransitions(ctx, set.transitions[i:i+1]); err != nil {
				return links, fmt.Errorf("update transition action: %w", err)
			}
			if err := l.store.AddToSet(ctx, knowledge.KindAction, action.EntityID, "transition_ids", tr.EntityID); err != nil {
				return links, err
			}
			links++
		}
	}
	return links, nil
}

// resolveElementAction finds the action whose selector or name matches a
// trigger element id.
func resolveElementAction(actions []knowledge.Action, elementID string) *knowledge.Action {
	for i := range actions {
		a := &actions[i]
		if a.TargetSelector == elementID || a.TargetSelector == "#"+elementID {
			return a
		}
		if match.Names(a.Name, elementID) {
			return a
		}
	}
	return nil
}

// bind writes one bidirectional link.
func (l *Linker) bind(ctx context.Context,
	kindA knowledge.Kind, idA, fieldA, valueA string,
	kindB knowledge.Kind, idB, fieldB, valueB string) error {
	if err := l.store.AddToSet(ctx, kindA, idA, fieldA, valueA); err != nil {
		return fmt.Errorf("link %s %s: %w", kindA, idA, err)
	}
	if err := l.store.AddToSet(ctx, kindB, idB, fieldB, valueB); err != nil {
		return fmt.Errorf("link %s %s: %w", kindB, idB, err)
	}
	return nil
}
