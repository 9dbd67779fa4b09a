package extract

import (
	"context"
	"fmt"

	"opskb/knowledge"
	"opskb/llm"
	"opskb/store"
	"opskb/telemetry"
)

const workflowSystemPrompt = `You extract operational workflows from product documentation and recordings.
An operational workflow is a named sequence of steps an operator follows,
ordered start to finish.
Return a JSON object with a single top-level key "workflows":
{"workflows": [{"name": string, "business_function": string,
"steps": [{"order": int, "action": string, "screen": string, "task": string,
"precondition": string, "postcondition": string, "error_handling": string}]}]}
Steps are strictly ordered starting at 1. screen names the screen the step
happens on, action what the operator does there, error_handling what to do
when the step fails.`

// workflowSchema gates acceptance of the model reply: the workflows key
// must be an array and every workflow must carry a name and its steps.
var workflowSchema = []byte(`{
	"type": "object",
	"required": ["workflows"],
	"properties": {
		"workflows": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string"},
					"steps": {"type": "array"}
				}
			}
		}
	}
}`)

// WorkflowExtractor prompts the model for operational workflows with
// ordered steps.
type WorkflowExtractor struct {
	client llm.Client
	store  store.Store
	lg     telemetry.Logger
}

// NewWorkflowExtractor returns the LLM-backed workflow extractor.
func NewWorkflowExtractor(client llm.Client, st store.Store, lg telemetry.Logger) *WorkflowExtractor {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &WorkflowExtractor{client: client, store: st, lg: lg}
}

func (e *WorkflowExtractor) Name() string { return "workflows" }

type workflowPayload struct {
	Workflows []struct {
		Name             string `json:"name"`
		BusinessFunction string `json:"business_function"`
		Steps            []struct {
			Order         int    `json:"order"`
			Action        string `json:"action"`
			Screen        string `json:"screen"`
			Task          string `json:"task"`
			Precondition  string `json:"precondition"`
			Postcondition string `json:"postcondition"`
			ErrorHandling string `json:"error_handling"`
		} `json:"steps"`
	} `json:"workflows"`
}

func (e *WorkflowExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	var payload workflowPayload
	prompt := "Extract every operational workflow described in the following content.\n\n" + corpus(in.Chunks)
	if err := completeJSON(ctx, e.client, workflowSystemPrompt, prompt, workflowSchema, &payload); err != nil {
		if res, ok := degradedResult(e.Name(), err); ok {
			return res, nil
		}
		return Result{}, err
	}

	var wfs []knowledge.OperationalWorkflow
	for _, raw := range payload.Workflows {
		wf := knowledge.OperationalWorkflow{
			Envelope:         knowledge.Envelope{WebsiteID: in.WebsiteID},
			Name:             stripMarkdown(raw.Name),
			BusinessFunction: stripMarkdown(raw.BusinessFunction),
		}
		if wf.Name == "" || len(raw.Steps) == 0 {
			continue
		}
		for i, s := range raw.Steps {
			wf.Steps = append(wf.Steps, knowledge.WorkflowStep{
				Order:         i + 1,
				Action:        stripMarkdown(s.Action),
				Screen:        stripMarkdown(s.Screen),
				Task:          stripMarkdown(s.Task),
				Precondition:  stripMarkdown(s.Precondition),
				Postcondition: stripMarkdown(s.Postcondition),
				ErrorHandling: stripMarkdown(s.ErrorHandling),
			})
		}
		wfs = append(wfs, wf)
	}
	wfs = dedupeByName(wfs, func(w knowledge.OperationalWorkflow) string { return w.Name })

	res := Result{Success: true}
	if len(wfs) == 0 {
		return res, nil
	}
	for i := range wfs {
		store.Stamp(&wfs[i].Envelope, in.KnowledgeID, in.JobID, nowUTC())
	}
	if _, err := e.store.SaveWorkflows(ctx, wfs); err != nil {
		return Result{}, fmt.Errorf("save workflows: %w", err)
	}
	for _, w := range wfs {
		res.EntityIDs = append(res.EntityIDs, w.EntityID)
	}
	return res, nil
}
