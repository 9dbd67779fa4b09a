package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"opskb/knowledge"
	"opskb/match"
	"opskb/store"
	"opskb/telemetry"
)

// transitionCues capture "moving from screen A to screen B" language. Group
// 1 is the source, group 2 the destination; cues with a single group name
// only the destination and inherit the chunk's section as source.
var transitionCues = []*regexp.Regexp{
	regexp.MustCompile(`(?i)from the ([\w /-]+?) (?:page|screen|view)[, ].{0,40}?to the ([\w /-]+?) (?:page|screen|view)`),
	regexp.MustCompile(`(?i)click(?:s|ing)? [\w /-]+? (?:takes|brings|sends) (?:you|the user) to the ([\w /-]+?) (?:page|screen|view)`),
	regexp.MustCompile(`(?i)(?:redirect(?:s|ed)?|navigate[sd]?|return(?:s|ed)?) (?:you |the user )?(?:back )?to the ([\w /-]+?) (?:page|screen|view)`),
	regexp.MustCompile(`(?i)(?:land(?:s|ing)? on|arrive(?:s)? at|taken to) the ([\w /-]+?) (?:page|screen|view)`),
	regexp.MustCompile(`(?i)opens? the ([\w /-]+?) (?:page|screen|view|dialog|modal)`),
}

// TransitionExtractor scans for navigational cues and emits transitions
// between screens already persisted by the screen extractor. Candidates
// whose endpoints do not resolve to known screens are dropped.
type TransitionExtractor struct {
	store store.Store
	lg    telemetry.Logger
}

// NewTransitionExtractor returns the rule-based transition extractor.
func NewTransitionExtractor(st store.Store, lg telemetry.Logger) *TransitionExtractor {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &TransitionExtractor{store: st, lg: lg}
}

func (e *TransitionExtractor) Name() string { return "transitions" }

func (e *TransitionExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	screens, err := e.store.Screens(ctx, in.KnowledgeID, in.JobID)
	if err != nil {
		return Result{}, fmt.Errorf("load screens: %w", err)
	}
	res := Result{Success: true}
	if len(screens) == 0 {
		return res, nil
	}

	seen := map[string]struct{}{}
	var transitions []knowledge.Transition
	for _, chunk := range in.Chunks {
		for _, cue := range transitionCues {
			for _, m := range cue.FindAllStringSubmatch(chunk.Content, -1) {
				var fromName, toName string
				switch len(m) {
				case 3:
					fromName, toName = m[1], m[2]
				case 2:
					fromName, toName = chunk.SectionTitle, m[1]
				}
				from := resolveScreen(screens, fromName)
				to := resolveScreen(screens, toName)
				if from == nil || to == nil || from.EntityID == to.EntityID {
					continue
				}
				key := from.EntityID + "->" + to.EntityID
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				transitions = append(transitions, knowledge.Transition{
					Envelope:     knowledge.Envelope{WebsiteID: in.WebsiteID},
					FromScreenID: from.EntityID,
					ToScreenID:   to.EntityID,
					TriggeredBy:  knowledge.TransitionTrigger{ActionType: triggerFor(m[0])},
					// Text-derived edges are plausible but unverified.
					ReliabilityScore: 0.5,
				})
			}
		}
	}

	if len(transitions) == 0 {
		return res, nil
	}
	for i := range transitions {
		store.Stamp(&transitions[i].Envelope, in.KnowledgeID, in.JobID, nowUTC())
	}
	if _, err := e.store.SaveTransitions(ctx, transitions); err != nil {
		return Result{}, fmt.Errorf("save transitions: %w", err)
	}
	for _, t := range transitions {
		res.EntityIDs = append(res.EntityIDs, t.EntityID)
	}
	return res, nil
}

func resolveScreen(screens []knowledge.Screen, name string) *knowledge.Screen {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	for i := range screens {
		if match.Normalize(screens[i].Name) == match.Normalize(name) {
			return &screens[i]
		}
	}
	for i := range screens {
		if match.Names(screens[i].Name, name) {
			return &screens[i]
		}
	}
	return nil
}

func triggerFor(cueText string) knowledge.ActionType {
	lower := strings.ToLower(cueText)
	switch {
	case strings.Contains(lower, "click"):
		return knowledge.ActionClick
	case strings.Contains(lower, "submit"):
		return knowledge.ActionSubmit
	default:
		return knowledge.ActionNavigate
	}
}
