// Package verify implements the last three pipeline phases: the graph
// integrity check, the persistence verification pass and the enrichment
// pass that follows up on recorded discrepancies.
package verify

import (
	"context"
	"fmt"

	"opskb/knowledge"
	"opskb/store"
	"opskb/telemetry"
)

// GraphReport summarizes the navigation graph under one knowledge id.
// Integrity problems are reported as errors but never fail the workflow.
type GraphReport struct {
	Nodes  int64                    `json:"nodes"`
	Edges  int64                    `json:"edges"`
	Counts map[knowledge.Kind]int64 `json:"counts"`
	Errors []string                 `json:"errors,omitempty"`
}

// Verifier runs the post-extraction checks.
type Verifier struct {
	store store.Store
	lg    telemetry.Logger
}

// New returns a Verifier.
func New(st store.Store, lg telemetry.Logger) *Verifier {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &Verifier{store: st, lg: lg}
}

// Graph counts nodes and edges under the knowledge id and validates that
// every transition's endpoints resolve within the screen set.
func (v *Verifier) Graph(ctx context.Context, knowledgeID, jobID string) (*GraphReport, error) {
	counts, err := v.store.Counts(ctx, knowledgeID, jobID)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	report := &GraphReport{
		Nodes:  counts[knowledge.KindScreen],
		Edges:  counts[knowledge.KindTransition],
		Counts: counts,
	}

	screens, err := v.store.Screens(ctx, knowledgeID, jobID)
	if err != nil {
		return nil, fmt.Errorf("load screens: %w", err)
	}
	known := make(map[string]struct{}, len(screens))
	for _, s := range screens {
		known[s.EntityID] = struct{}{}
	}
	transitions, err := v.store.Transitions(ctx, knowledgeID, jobID)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	for _, tr := range transitions {
		if _, ok := known[tr.FromScreenID]; !ok {
			report.Errors = append(report.Errors,
				fmt.Sprintf("transition %s: from_screen %s not in screen set", tr.EntityID, tr.FromScreenID))
		}
		if _, ok := known[tr.ToScreenID]; !ok {
			report.Errors = append(report.Errors,
				fmt.Sprintf("transition %s: to_screen %s not in screen set", tr.EntityID, tr.ToScreenID))
		}
	}
	v.lg.Info(ctx, "graph checked",
		"knowledge_id", knowledgeID,
		"nodes", report.Nodes,
		"edges", report.Edges,
		"integrity_errors", len(report.Errors))
	return report, nil
}

// VerificationReport summarizes the re-query pass.
type VerificationReport struct {
	ScreensChecked int `json:"screens_checked"`
	TasksChecked   int `json:"tasks_checked"`
	Discrepancies  int `json:"discrepancies"`
}

// Verify re-queries every screen and task by id and records a discrepancy
// for each one the store can no longer resolve.
func (v *Verifier) Verify(ctx context.Context, knowledgeID, jobID string) (*VerificationReport, error) {
	report := &VerificationReport{}
	var found []knowledge.Discrepancy

	screens, err := v.store.Screens(ctx, knowledgeID, jobID)
	if err != nil {
		return nil, fmt.Errorf("load screens: %w", err)
	}
	for _, s := range screens {
		report.ScreensChecked++
		if _, err := v.store.ScreenByID(ctx, s.EntityID); err != nil {
			found = append(found, knowledge.Discrepancy{
				KnowledgeID: knowledgeID,
				JobID:       jobID,
				EntityKind:  knowledge.KindScreen,
				EntityID:    s.EntityID,
				Detail:      fmt.Sprintf("screen %q not resolvable by id: %v", s.Name, err),
			})
		}
	}

	tasks, err := v.store.Tasks(ctx, knowledgeID, jobID)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	for _, task := range tasks {
		report.TasksChecked++
		if _, err := v.store.TaskByID(ctx, task.EntityID); err != nil {
			found = append(found, knowledge.Discrepancy{
				KnowledgeID: knowledgeID,
				JobID:       jobID,
				EntityKind:  knowledge.KindTask,
				EntityID:    task.EntityID,
				Detail:      fmt.Sprintf("task %q not resolvable by id: %v", task.Name, err),
			})
		}
	}

	report.Discrepancies = len(found)
	if len(found) > 0 {
		if _, err := v.store.SaveDiscrepancies(ctx, found); err != nil {
			return nil, fmt.Errorf("save discrepancies: %w", err)
		}
		v.lg.Warn(ctx, "verification found discrepancies",
			"knowledge_id", knowledgeID, "count", len(found))
	}
	return report, nil
}

// EnrichmentReport summarizes the enrichment pass.
type EnrichmentReport struct {
	DiscrepanciesSeen int `json:"discrepancies_seen"`
	Corrected         int `json:"corrected"`
}

// Enrich follows up on recorded discrepancies: dangling references to a
// missing entity are pruned from the screens that still carry them. Without
// any recorded discrepancies it is a no-op with zero counts.
func (v *Verifier) Enrich(ctx context.Context, knowledgeID, jobID string) (*EnrichmentReport, error) {
	report := &EnrichmentReport{}
	discrepancies, err := v.store.Discrepancies(ctx, knowledgeID, jobID)
	if err != nil {
		// Runs without a discrepancy store degrade to a no-op.
		v.lg.Warn(ctx, "enrichment skipped", "knowledge_id", knowledgeID, "err", err)
		return report, nil
	}
	report.DiscrepanciesSeen = len(discrepancies)
	if len(discrepancies) == 0 {
		return report, nil
	}

	missing := make(map[string]struct{}, len(discrepancies))
	for _, d := range discrepancies {
		missing[d.EntityID] = struct{}{}
	}
	screens, err := v.store.Screens(ctx, knowledgeID, jobID)
	if err != nil {
		return nil, fmt.Errorf("load screens: %w", err)
	}
	for i := range screens {
		if pruneScreenRefs(&screens[i], missing) {
			if _, err := v.store.SaveScreens(ctx, screens[i:i+1]); err != nil {
				return nil, fmt.Errorf("save corrected screen: %w", err)
			}
			report.Corrected++
		}
	}
	v.lg.Info(ctx, "enrichment complete",
		"knowledge_id", knowledgeID,
		"discrepancies", report.DiscrepanciesSeen,
		"corrected", report.Corrected)
	return report, nil
}

// pruneScreenRefs drops references to missing entities from a screen's
// cross-reference arrays. Reports whether anything changed.
func pruneScreenRefs(s *knowledge.Screen, missing map[string]struct{}) bool {
	changed := false
	prune := func(ids []string) []string {
		kept := ids[:0:0]
		for _, id := range ids {
			if _, gone := missing[id]; gone {
				changed = true
				continue
			}
			kept = append(kept, id)
		}
		return kept
	}
	s.ActionIDs = prune(s.ActionIDs)
	s.TaskIDs = prune(s.TaskIDs)
	s.OutgoingTransitions = prune(s.OutgoingTransitions)
	s.IncomingTransitions = prune(s.IncomingTransitions)
	s.BusinessFunctionIDs = prune(s.BusinessFunctionIDs)
	s.WorkflowIDs = prune(s.WorkflowIDs)
	return changed
}
