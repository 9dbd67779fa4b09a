package explore

import (
	"fmt"
	"strings"

	"opskb/crawl"
	"opskb/knowledge"
)

// multiStepMarkers are field-name fragments that betray a wizard-style
// form.
var multiStepMarkers = []string{"step", "page", "stage"}

// entityMeta is the metadata every exploration entity carries: how it was
// extracted and which kind of source the explored URL came from.
func entityMeta(pageURL, extractedFrom string) map[string]string {
	return map[string]string{
		"extraction_method": extractionMethod,
		"extracted_from":    extractedFrom,
		"page_url":          pageURL,
	}
}

// screenFromPage builds the screen entity for one explored page. The form
// fields double as state-signature indicators.
func screenFromPage(page crawl.Page, forms []crawl.Form, extractedFrom, websiteID string) knowledge.Screen {
	name := page.Title
	if name == "" {
		name = page.URL
	}
	var indicators, elements []string
	for _, form := range forms {
		for _, field := range form.Fields {
			if field.Hidden {
				continue
			}
			label := fieldLabel(field)
			if label == "" {
				continue
			}
			indicators = appendUnique(indicators, label)
			elements = appendUnique(elements, label)
		}
	}
	return knowledge.Screen{
		Envelope: knowledge.Envelope{
			WebsiteID: websiteID,
			Metadata:  entityMeta(page.URL, extractedFrom),
		},
		Name:           name,
		URLPatterns:    []string{page.URL},
		StateSignature: knowledge.StateSignature{RequiredIndicators: indicators},
		UIElements:     elements,
		ContentType:    knowledge.ContentWebUI,
		IsActionable:   len(forms) > 0,
		Confidence:     0.9,
	}
}

// actionsFromForm emits one fill action per visible field and a submit
// action for the form itself.
func actionsFromForm(page crawl.Page, form crawl.Form, screenName, extractedFrom, websiteID string) []knowledge.Action {
	formName := formDisplayName(form)
	var out []knowledge.Action
	for _, field := range form.Fields {
		if field.Hidden || field.Disabled || field.ReadOnly || isSubmitField(field) {
			continue
		}
		label := fieldLabel(field)
		if label == "" {
			continue
		}
		out = append(out, knowledge.Action{
			Envelope: knowledge.Envelope{
				WebsiteID: websiteID,
				Metadata:  entityMeta(page.URL, extractedFrom),
			},
			Name:           fmt.Sprintf("fill %s in %s", label, formName),
			ActionType:     knowledge.ActionTypeText,
			Category:       "form",
			TargetSelector: fieldSelector(field),
			Parameters: map[string]string{
				"field_type":  field.Type,
				"label":       field.Label,
				"placeholder": field.Placeholder,
				"required":    fmt.Sprintf("%t", field.Required),
			},
			Idempotent: true,
			ScreenName: screenName,
		})
	}
	out = append(out, knowledge.Action{
		Envelope: knowledge.Envelope{
			WebsiteID: websiteID,
			Metadata:  entityMeta(page.URL, extractedFrom),
		},
		Name:           fmt.Sprintf("submit %s", formName),
		ActionType:     knowledge.ActionSubmit,
		Category:       "form",
		TargetSelector: formSubmitSelector(form),
		Parameters:     map[string]string{"method": form.Method, "action": form.Action},
		ScreenName:     screenName,
	})
	return out
}

// taskFromForm builds the fill-and-submit task for a form with at least one
// visible field. Multi-step forms are flagged in the task metadata.
func taskFromForm(page crawl.Page, form crawl.Form, screenName, extractedFrom, websiteID string) (knowledge.Task, bool) {
	var fillable []crawl.FormField
	for _, field := range form.Fields {
		if field.Hidden || field.Disabled || field.ReadOnly || isSubmitField(field) {
			continue
		}
		fillable = append(fillable, field)
	}
	if len(fillable) == 0 {
		return knowledge.Task{}, false
	}
	formName := formDisplayName(form)
	meta := entityMeta(page.URL, extractedFrom)
	meta["screen_context"] = screenName
	meta["multi_step"] = fmt.Sprintf("%t", IsMultiStep(form))
	task := knowledge.Task{
		Envelope: knowledge.Envelope{
			WebsiteID: websiteID,
			Metadata:  meta,
		},
		Name:        fmt.Sprintf("Complete %s on %s", formName, screenName),
		Description: fmt.Sprintf("Fill in and submit the %s form on %s.", formName, screenName),
		Category:    "form",
		Complexity:  taskComplexity(len(fillable)),
	}
	for i, field := range fillable {
		task.Steps = append(task.Steps, knowledge.TaskStep{
			StepID:   fmt.Sprintf("step-%d", i+1),
			Order:    i + 1,
			Type:     "fill",
			Action:   map[string]string{"field": fieldLabel(field), "selector": fieldSelector(field)},
			Required: field.Required,
			CanSkip:  !field.Required,
		})
		task.IOSpec.Inputs = append(task.IOSpec.Inputs, fieldLabel(field))
	}
	task.Steps = append(task.Steps, knowledge.TaskStep{
		StepID:   fmt.Sprintf("step-%d", len(fillable)+1),
		Order:    len(fillable) + 1,
		Type:     "submit",
		Action:   map[string]string{"selector": formSubmitSelector(form)},
		Required: true,
	})
	return task, true
}

// IsMultiStep infers wizard forms: two or more submit controls, or fields
// whose names mention a step, page or stage.
func IsMultiStep(form crawl.Form) bool {
	submits := 0
	for _, field := range form.Fields {
		if isSubmitField(field) {
			submits++
			continue
		}
		name := strings.ToLower(field.Name + " " + field.ID)
		for _, marker := range multiStepMarkers {
			if strings.Contains(name, marker) {
				return true
			}
		}
	}
	return submits >= 2
}

func isSubmitField(field crawl.FormField) bool {
	return field.Type == "submit" || field.Type == "button" || field.Type == "image"
}

// fieldLabel picks the best human name for a field: label, then
// placeholder, then name, then id.
func fieldLabel(field crawl.FormField) string {
	for _, candidate := range []string{field.Label, field.Placeholder, field.Name, field.ID} {
		if s := strings.TrimSpace(candidate); s != "" {
			return s
		}
	}
	return ""
}

func fieldSelector(field crawl.FormField) string {
	if field.ID != "" {
		return "#" + field.ID
	}
	if field.Name != "" {
		return fmt.Sprintf(`[name=%q]`, field.Name)
	}
	return ""
}

func formDisplayName(form crawl.Form) string {
	if form.Action != "" {
		return form.Action
	}
	return "form"
}

func formSubmitSelector(form crawl.Form) string {
	for _, field := range form.Fields {
		if isSubmitField(field) && field.ID != "" {
			return "#" + field.ID
		}
	}
	if form.Action != "" {
		return fmt.Sprintf(`form[action=%q] [type="submit"]`, form.Action)
	}
	return `form [type="submit"]`
}

func taskComplexity(fields int) string {
	switch {
	case fields <= 2:
		return "low"
	case fields <= 5:
		return "medium"
	default:
		return "high"
	}
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
