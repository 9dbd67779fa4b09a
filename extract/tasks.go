package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"opskb/knowledge"
	"opskb/llm"
	"opskb/store"
	"opskb/telemetry"
)

const taskSystemPrompt = `You extract operational tasks from product documentation and recordings.
A task is a multi-step procedure a user performs to reach a goal.
Return a JSON object with a single top-level key "tasks":
{"tasks": [{"name": string, "description": string, "category": string,
"complexity": "low"|"medium"|"high",
"steps": [{"order": int, "type": string, "action": string,
"preconditions": [string], "postconditions": [string],
"required": bool, "can_skip": bool}],
"inputs": [string], "outputs": [string]}]}
Steps are strictly ordered starting at 1. A step may only depend on earlier steps.`

// taskSchema gates acceptance of the model reply: the tasks key must be an
// array and every task must carry a name.
var taskSchema = []byte(`{
	"type": "object",
	"required": ["tasks"],
	"properties": {
		"tasks": {
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

var (
	forEachRE = regexp.MustCompile(`(?i)\bfor each\b\s*([^.,;\n]*)`)
	whileRE   = regexp.MustCompile(`(?i)\bwhile\b\s*([^.,;\n]*)`)
	untilRE   = regexp.MustCompile(`(?i)\buntil\b\s*([^.,;\n]*)`)
	stepRefRE = regexp.MustCompile(`(?i)\bstep\s+(\d+)\b`)
)

// TaskExtractor asks the model for tasks, then enforces step linearity and
// detects loop language.
type TaskExtractor struct {
	client llm.Client
	store  store.Store
	lg     telemetry.Logger
}

// NewTaskExtractor returns the LLM-backed task extractor.
func NewTaskExtractor(client llm.Client, st store.Store, lg telemetry.Logger) *TaskExtractor {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &TaskExtractor{client: client, store: st, lg: lg}
}

func (e *TaskExtractor) Name() string { return "tasks" }

type taskPayload struct {
	Tasks []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Category    string `json:"category"`
		Complexity  string `json:"complexity"`
		Steps       []struct {
			Order          int      `json:"order"`
			Type           string   `json:"type"`
			Action         string   `json:"action"`
			Preconditions  []string `json:"preconditions"`
			Postconditions []string `json:"postconditions"`
			Required       bool     `json:"required"`
			CanSkip        bool     `json:"can_skip"`
		} `json:"steps"`
		Inputs  []string `json:"inputs"`
		Outputs []string `json:"outputs"`
	} `json:"tasks"`
}

// Extract prompts the model over the chunk corpus, normalizes step order,
// rejects tasks with backward step references and persists the rest.
func (e *TaskExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	var payload taskPayload
	prompt := "Extract every operational task described in the following content.\n\n" + corpus(in.Chunks)
	if err := completeJSON(ctx, e.client, taskSystemPrompt, prompt, taskSchema, &payload); err != nil {
		if res, ok := degradedResult(e.Name(), err); ok {
			return res, nil
		}
		return Result{}, err
	}

	res := Result{Success: true}
	var tasks []knowledge.Task
	for _, raw := range payload.Tasks {
		task := knowledge.Task{
			Envelope:    knowledge.Envelope{WebsiteID: in.WebsiteID},
			Name:        stripMarkdown(raw.Name),
			Description: stripMarkdown(raw.Description),
			Category:    raw.Category,
			Complexity:  raw.Complexity,
			IOSpec:      knowledge.IOSpec{Inputs: raw.Inputs, Outputs: raw.Outputs},
		}
		if task.Name == "" {
			continue
		}
		for i, s := range raw.Steps {
			task.Steps = append(task.Steps, knowledge.TaskStep{
				StepID:         fmt.Sprintf("step-%d", i+1),
				Order:          i + 1,
				Type:           s.Type,
				Action:         map[string]string{"description": stripMarkdown(s.Action)},
				Preconditions:  cleanList(s.Preconditions, 1),
				Postconditions: cleanList(s.Postconditions, 1),
				Required:       s.Required,
				CanSkip:        s.CanSkip,
			})
		}
		if err := checkLinearity(task.Steps); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("task %q: %v", task.Name, err))
			continue
		}
		task.IteratorSpec = detectIterator(task.Name + " " + task.Description)
		tasks = append(tasks, task)
	}
	tasks = dedupeByName(tasks, func(t knowledge.Task) string { return t.Name })

	if len(tasks) == 0 {
		return res, nil
	}
	for i := range tasks {
		store.Stamp(&tasks[i].Envelope, in.KnowledgeID, in.JobID, nowUTC())
	}
	if _, err := e.store.SaveTasks(ctx, tasks); err != nil {
		return Result{}, fmt.Errorf("save tasks: %w", err)
	}
	for _, t := range tasks {
		res.EntityIDs = append(res.EntityIDs, t.EntityID)
	}
	return res, nil
}

// checkLinearity rejects steps that depend on themselves or on later steps.
// Step text may reference other steps as "step N"; N must be strictly less
// than the referencing step's order.
func checkLinearity(steps []knowledge.TaskStep) error {
	for _, s := range steps {
		for _, pre := range s.Preconditions {
			for _, m := range stepRefRE.FindAllStringSubmatch(pre, -1) {
				var ref int
				fmt.Sscanf(m[1], "%d", &ref)
				if ref >= s.Order {
					return fmt.Errorf("step %d references step %d", s.Order, ref)
				}
			}
		}
	}
	return nil
}

// detectIterator scans task language for loop constructs.
func detectIterator(text string) knowledge.IteratorSpec {
	if m := forEachRE.FindStringSubmatch(text); m != nil {
		return knowledge.IteratorSpec{
			Type:               knowledge.IteratorForEach,
			CollectionSelector: strings.TrimSpace(m[1]),
		}
	}
	if m := untilRE.FindStringSubmatch(text); m != nil {
		return knowledge.IteratorSpec{
			Type:                 knowledge.IteratorUntil,
			TerminationCondition: strings.TrimSpace(m[1]),
		}
	}
	if m := whileRE.FindStringSubmatch(text); m != nil {
		return knowledge.IteratorSpec{
			Type:                 knowledge.IteratorWhile,
			TerminationCondition: strings.TrimSpace(m[1]),
		}
	}
	return knowledge.IteratorSpec{Type: knowledge.IteratorNone}
}
