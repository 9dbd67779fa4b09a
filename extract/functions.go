package extract

import (
	"context"
	"fmt"

	"opskb/knowledge"
	"opskb/llm"
	"opskb/store"
	"opskb/telemetry"
)

const functionSystemPrompt = `You extract business functions from product documentation and recordings.
A business function is a user-visible capability of the product (for example
"Invoice Management" or "User Onboarding"), not an individual button press.
Return a JSON object with a single top-level key "business_functions":
{"business_functions": [{"name": string, "category": string,
"description": string,
"business_reasoning": string, "business_impact": string,
"business_requirements": [string], "operational_aspects": [string],
"workflow_steps": [string], "screens_mentioned": [string],
"features": [{"name": string, "category": string, "description": string}]}]}
business_reasoning and business_impact must each be several full paragraphs:
explain who uses the capability, what problem it solves, how it fits the
operation of the business and what breaks without it.
screens_mentioned lists the names of every screen the content associates
with the function.`

// functionSchema gates acceptance of the model reply: the
// business_functions key must be an array and every function must carry a
// name.
var functionSchema = []byte(`{
	"type": "object",
	"required": ["business_functions"],
	"properties": {
		"business_functions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string"},
					"features": {"type": "array"}
				}
			}
		}
	}
}`)

// BusinessFunctionExtractor prompts the model for capabilities with
// extended business context.
type BusinessFunctionExtractor struct {
	client llm.Client
	store  store.Store
	lg     telemetry.Logger
}

// NewBusinessFunctionExtractor returns the LLM-backed business function
// extractor.
func NewBusinessFunctionExtractor(client llm.Client, st store.Store, lg telemetry.Logger) *BusinessFunctionExtractor {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &BusinessFunctionExtractor{client: client, store: st, lg: lg}
}

func (e *BusinessFunctionExtractor) Name() string { return "business_functions" }

type functionPayload struct {
	BusinessFunctions []struct {
		Name                 string   `json:"name"`
		Category             string   `json:"category"`
		Description          string   `json:"description"`
		BusinessReasoning    string   `json:"business_reasoning"`
		BusinessImpact       string   `json:"business_impact"`
		BusinessRequirements []string `json:"business_requirements"`
		OperationalAspects   []string `json:"operational_aspects"`
		WorkflowSteps        []string `json:"workflow_steps"`
		ScreensMentioned     []string `json:"screens_mentioned"`
		Features             []struct {
			Name        string `json:"name"`
			Category    string `json:"category"`
			Description string `json:"description"`
		} `json:"features"`
	} `json:"business_functions"`
}

func (e *BusinessFunctionExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	var payload functionPayload
	prompt := "Extract every business function evident in the following content.\n\n" + corpus(in.Chunks)
	if err := completeJSON(ctx, e.client, functionSystemPrompt, prompt, functionSchema, &payload); err != nil {
		if res, ok := degradedResult(e.Name(), err); ok {
			return res, nil
		}
		return Result{}, err
	}

	var fns []knowledge.BusinessFunction
	featuresByFn := make(map[string][]knowledge.BusinessFeature)
	for _, raw := range payload.BusinessFunctions {
		fn := knowledge.BusinessFunction{
			Envelope:             knowledge.Envelope{WebsiteID: in.WebsiteID},
			Name:                 stripMarkdown(raw.Name),
			Category:             raw.Category,
			Description:          stripMarkdown(raw.Description),
			BusinessReasoning:    stripMarkdown(raw.BusinessReasoning),
			BusinessImpact:       stripMarkdown(raw.BusinessImpact),
			BusinessRequirements: cleanList(raw.BusinessRequirements, minRequirementLength),
			OperationalAspects:   cleanList(raw.OperationalAspects, 1),
			WorkflowSteps:        cleanList(raw.WorkflowSteps, 1),
			ScreensMentioned:     cleanList(raw.ScreensMentioned, 1),
		}
		if fn.Name == "" {
			continue
		}
		fns = append(fns, fn)
		for _, rf := range raw.Features {
			feat := knowledge.BusinessFeature{
				Envelope:    knowledge.Envelope{WebsiteID: in.WebsiteID},
				Name:        stripMarkdown(rf.Name),
				Category:    rf.Category,
				Description: stripMarkdown(rf.Description),
			}
			if feat.Name == "" {
				continue
			}
			featuresByFn[fn.Name] = append(featuresByFn[fn.Name], feat)
		}
	}
	fns = dedupeByName(fns, func(f knowledge.BusinessFunction) string { return f.Name })

	res := Result{Success: true}
	if len(fns) == 0 {
		return res, nil
	}
	for i := range fns {
		store.Stamp(&fns[i].Envelope, in.KnowledgeID, in.JobID, nowUTC())
	}
	if _, err := e.store.SaveBusinessFunctions(ctx, fns); err != nil {
		return Result{}, fmt.Errorf("save business functions: %w", err)
	}
	for _, f := range fns {
		res.EntityIDs = append(res.EntityIDs, f.EntityID)
	}

	var feats []knowledge.BusinessFeature
	for _, fn := range fns {
		for _, feat := range dedupeByName(featuresByFn[fn.Name], func(f knowledge.BusinessFeature) string { return f.Name }) {
			feat.BusinessFunctionID = fn.EntityID
			store.Stamp(&feat.Envelope, in.KnowledgeID, in.JobID, nowUTC())
			feats = append(feats, feat)
		}
	}
	if len(feats) > 0 {
		if _, err := e.store.SaveBusinessFeatures(ctx, feats); err != nil {
			return Result{}, fmt.Errorf("save business features: %w", err)
		}
	}
	return res, nil
}
