package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"opskb/crawl"
	"opskb/knowledge"
	"opskb/store"
	"opskb/telemetry"
)

// actionPattern pairs a phrase regex with the action it denotes. The first
// capture group names the target element.
type actionPattern struct {
	re         *regexp.Regexp
	actionType knowledge.ActionType
	idempotent bool
}

var actionPatterns = []actionPattern{
	{regexp.MustCompile(`(?i)\bclick(?:s|ing)?(?: on)?(?: the)? ([\w /-]+?)(?: button| link| icon| tab)`), knowledge.ActionClick, false},
	{regexp.MustCompile(`(?i)\b(?:enter|type)s?(?:s|ing)? (?:[\w /-]+? )?(?:in|into)(?: the)? ([\w /-]+?) field`), knowledge.ActionTypeText, true},
	{regexp.MustCompile(`(?i)\bselects?(?:s|ing)? [\w /-]+? from(?: the)? ([\w /-]+?)(?: dropdown| menu| list)`), knowledge.ActionSelectOption, true},
	{regexp.MustCompile(`(?i)\bnavigates?(?:s|ing)? to ([^\s,.;]+)`), knowledge.ActionNavigate, true},
	{regexp.MustCompile(`(?i)\bpress(?:es|ing)? (?:the )?([\w+]+) key`), knowledge.ActionSendKeys, false},
	{regexp.MustCompile(`(?i)\bsubmits?(?:s|ting)?(?: the)? ([\w /-]+?)(?: form|\b)`), knowledge.ActionSubmit, false},
}

// ActionExtractor finds atomic UI operations: phrase patterns across the
// chunk corpus plus direct construction from crawled forms, where every
// field becomes a fill action and every form a submit action.
type ActionExtractor struct {
	store store.Store
	lg    telemetry.Logger
}

// NewActionExtractor returns the rule-based action extractor.
func NewActionExtractor(st store.Store, lg telemetry.Logger) *ActionExtractor {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &ActionExtractor{store: st, lg: lg}
}

func (e *ActionExtractor) Name() string { return "actions" }

func (e *ActionExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	var actions []knowledge.Action
	for _, chunk := range in.Chunks {
		actions = append(actions, patternActions(chunk, in.WebsiteID)...)
		actions = append(actions, formActions(chunk, in.WebsiteID)...)
	}
	actions = dedupeByName(actions, func(a knowledge.Action) string { return a.Name })

	res := Result{Success: true}
	if len(actions) == 0 {
		return res, nil
	}
	for i := range actions {
		store.Stamp(&actions[i].Envelope, in.KnowledgeID, in.JobID, nowUTC())
	}
	if _, err := e.store.SaveActions(ctx, actions); err != nil {
		return Result{}, fmt.Errorf("save actions: %w", err)
	}
	for _, a := range actions {
		res.EntityIDs = append(res.EntityIDs, a.EntityID)
	}
	return res, nil
}

func patternActions(chunk knowledge.ContentChunk, websiteID string) []knowledge.Action {
	var out []knowledge.Action
	for _, p := range actionPatterns {
		for _, m := range p.re.FindAllStringSubmatch(chunk.Content, -1) {
			target := strings.TrimSpace(m[1])
			if target == "" {
				continue
			}
			a := knowledge.Action{
				Envelope:   knowledge.Envelope{WebsiteID: websiteID},
				Name:       fmt.Sprintf("%s %s", p.actionType, strings.ToLower(target)),
				ActionType: p.actionType,
				Category:   "documented",
				Idempotent: p.idempotent,
				ScreenName: chunk.SectionTitle,
			}
			if p.actionType == knowledge.ActionNavigate {
				a.Parameters = map[string]string{"url": target}
			}
			out = append(out, a)
		}
	}
	return out
}

// formActions builds fill and submit actions from the forms a crawled page
// carried in its chunk metadata.
func formActions(chunk knowledge.ContentChunk, websiteID string) []knowledge.Action {
	raw := chunk.Metadata["forms"]
	if raw == "" {
		return nil
	}
	var forms []crawl.Form
	if err := json.Unmarshal([]byte(raw), &forms); err != nil {
		return nil
	}
	pageURL := chunk.Metadata["page_url"]
	var out []knowledge.Action
	for _, form := range forms {
		formName := form.Action
		if formName == "" {
			formName = "form"
		}
		for _, field := range form.Fields {
			if field.Hidden {
				continue
			}
			fieldName := field.Name
			if fieldName == "" {
				fieldName = field.ID
			}
			if fieldName == "" {
				continue
			}
			out = append(out, knowledge.Action{
				Envelope:       knowledge.Envelope{WebsiteID: websiteID},
				Name:           fmt.Sprintf("fill %s in %s", fieldName, formName),
				ActionType:     knowledge.ActionTypeText,
				Category:       "form",
				TargetSelector: fieldSelector(field),
				Parameters:     map[string]string{"field_type": field.Type, "page_url": pageURL},
				Idempotent:     true,
				ScreenName:     chunk.SectionTitle,
			})
		}
		out = append(out, knowledge.Action{
			Envelope:       knowledge.Envelope{WebsiteID: websiteID},
			Name:           fmt.Sprintf("submit %s", formName),
			ActionType:     knowledge.ActionSubmit,
			Category:       "form",
			TargetSelector: formSelector(form),
			Parameters:     map[string]string{"method": form.Method, "action": form.Action, "page_url": pageURL},
			ScreenName:     chunk.SectionTitle,
		})
	}
	return out
}

func fieldSelector(f crawl.FormField) string {
	if f.ID != "" {
		return "#" + f.ID
	}
	if f.Name != "" {
		return fmt.Sprintf(`[name=%q]`, f.Name)
	}
	return ""
}

func formSelector(f crawl.Form) string {
	if f.Action != "" {
		return fmt.Sprintf(`form[action=%q]`, f.Action)
	}
	return "form"
}
