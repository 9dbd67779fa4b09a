package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"opskb/knowledge"
	"opskb/store"
	"opskb/telemetry"
)

// stepDuration is the rough time budget per navigation step used for flow
// duration estimates.
const stepDuration = 5 * time.Second

// FlowSynthesizer derives user flows from the entities the bank extracted:
// workflow step chains resolved against known screens, plus walks of the
// transition graph starting at its entry screens.
type FlowSynthesizer struct {
	store store.Store
	lg    telemetry.Logger
}

// NewFlowSynthesizer returns the user-flow synthesizer. It runs after the
// six extractors.
func NewFlowSynthesizer(st store.Store, lg telemetry.Logger) *FlowSynthesizer {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &FlowSynthesizer{store: st, lg: lg}
}

func (s *FlowSynthesizer) Name() string { return "user_flows" }

func (s *FlowSynthesizer) Extract(ctx context.Context, in Input) (Result, error) {
	screens, err := s.store.Screens(ctx, in.KnowledgeID, in.JobID)
	if err != nil {
		return Result{}, fmt.Errorf("load screens: %w", err)
	}
	transitions, err := s.store.Transitions(ctx, in.KnowledgeID, in.JobID)
	if err != nil {
		return Result{}, fmt.Errorf("load transitions: %w", err)
	}
	workflows, err := s.store.Workflows(ctx, in.KnowledgeID, in.JobID)
	if err != nil {
		return Result{}, fmt.Errorf("load workflows: %w", err)
	}

	res := Result{Success: true}
	if len(screens) == 0 {
		return res, nil
	}

	edges := edgeIndex(transitions)
	var flows []knowledge.UserFlow
	for _, wf := range workflows {
		if flow, ok := flowFromWorkflow(wf, screens, edges, in.WebsiteID); ok {
			flows = append(flows, flow)
		}
	}
	flows = append(flows, flowsFromGraph(screens, transitions, edges, in.WebsiteID)...)
	flows = dedupeByName(flows, func(f knowledge.UserFlow) string { return f.Name })

	if len(flows) == 0 {
		return res, nil
	}
	for i := range flows {
		store.Stamp(&flows[i].Envelope, in.KnowledgeID, in.JobID, nowUTC())
	}
	if _, err := s.store.SaveUserFlows(ctx, flows); err != nil {
		return Result{}, fmt.Errorf("save user flows: %w", err)
	}
	for _, f := range flows {
		res.EntityIDs = append(res.EntityIDs, f.EntityID)
	}
	return res, nil
}

// edgeIndex maps "from->to" screen id pairs to the transition connecting
// them.
func edgeIndex(transitions []knowledge.Transition) map[string]string {
	out := make(map[string]string, len(transitions))
	for _, t := range transitions {
		key := t.FromScreenID + "->" + t.ToScreenID
		if _, dup := out[key]; !dup {
			out[key] = t.EntityID
		}
	}
	return out
}

// flowFromWorkflow resolves a workflow's step screens in order into a
// sequence. Consecutive duplicates collapse; a flow needs at least two
// distinct screens.
func flowFromWorkflow(wf knowledge.OperationalWorkflow, screens []knowledge.Screen, edges map[string]string, websiteID string) (knowledge.UserFlow, bool) {
	var ids []string
	var steps []string
	for _, step := range wf.Steps {
		if step.Action != "" {
			steps = append(steps, step.Action)
		}
		if step.Screen == "" {
			continue
		}
		sc := resolveScreen(screens, step.Screen)
		if sc == nil {
			continue
		}
		if len(ids) > 0 && ids[len(ids)-1] == sc.EntityID {
			continue
		}
		ids = append(ids, sc.EntityID)
	}
	if len(ids) < 2 {
		return knowledge.UserFlow{}, false
	}
	flow := buildFlow("Flow: "+wf.Name, ids, edges, screens, websiteID)
	flow.Steps = steps
	return flow, true
}

// flowsFromGraph walks the transition graph from each entry screen (no
// incoming edges), following unvisited outgoing edges.
func flowsFromGraph(screens []knowledge.Screen, transitions []knowledge.Transition, edges map[string]string, websiteID string) []knowledge.UserFlow {
	adjacency := map[string][]string{}
	hasIncoming := map[string]bool{}
	for _, t := range transitions {
		adjacency[t.FromScreenID] = append(adjacency[t.FromScreenID], t.ToScreenID)
		hasIncoming[t.ToScreenID] = true
	}

	byID := make(map[string]*knowledge.Screen, len(screens))
	for i := range screens {
		byID[screens[i].EntityID] = &screens[i]
	}

	var flows []knowledge.UserFlow
	for _, sc := range screens {
		if hasIncoming[sc.EntityID] || len(adjacency[sc.EntityID]) == 0 {
			continue
		}
		visited := map[string]bool{sc.EntityID: true}
		ids := []string{sc.EntityID}
		current := sc.EntityID
		for {
			next := ""
			for _, to := range adjacency[current] {
				if !visited[to] {
					next = to
					break
				}
			}
			if next == "" {
				break
			}
			visited[next] = true
			ids = append(ids, next)
			current = next
		}
		if len(ids) < 2 {
			continue
		}
		entry, exit := byID[ids[0]], byID[ids[len(ids)-1]]
		if entry == nil || exit == nil {
			continue
		}
		name := fmt.Sprintf("Navigation: %s to %s", entry.Name, exit.Name)
		flows = append(flows, buildFlow(name, ids, edges, screens, websiteID))
	}
	return flows
}

// buildFlow assembles a UserFlow over an ordered screen id list. Sequence
// order is 1-based and gap-free.
func buildFlow(name string, ids []string, edges map[string]string, screens []knowledge.Screen, websiteID string) knowledge.UserFlow {
	byID := make(map[string]string, len(screens))
	for _, sc := range screens {
		byID[sc.EntityID] = sc.Name
	}
	flow := knowledge.UserFlow{
		Envelope:          knowledge.Envelope{WebsiteID: websiteID},
		Name:              name,
		EntryScreen:       byID[ids[0]],
		ExitScreen:        byID[ids[len(ids)-1]],
		TotalSteps:        len(ids),
		EstimatedDuration: (time.Duration(len(ids)) * stepDuration).String(),
		Complexity:        flowComplexity(len(ids)),
	}
	for i, id := range ids {
		entry := knowledge.ScreenSequenceEntry{Order: i + 1, ScreenID: id}
		if i > 0 {
			entry.TransitionID = edges[ids[i-1]+"->"+id]
		}
		flow.ScreenSequence = append(flow.ScreenSequence, entry)
	}
	flow.MermaidDiagram = mermaid(ids, byID)
	return flow
}

func flowComplexity(steps int) string {
	switch {
	case steps <= 3:
		return "low"
	case steps <= 6:
		return "medium"
	default:
		return "high"
	}
}

// mermaid renders the sequence as a left-to-right flowchart.
func mermaid(ids []string, names map[string]string) string {
	var sb strings.Builder
	sb.WriteString("graph LR\n")
	for i, id := range ids {
		label := names[id]
		if label == "" {
			label = id
		}
		fmt.Fprintf(&sb, "  n%d[%q]\n", i, label)
	}
	for i := 1; i < len(ids); i++ {
		fmt.Fprintf(&sb, "  n%d --> n%d\n", i-1, i)
	}
	return sb.String()
}

var _ Extractor = (*FlowSynthesizer)(nil)
