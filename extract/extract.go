// Package extract implements the extractor bank: six extractors that turn
// content chunks into screens, tasks, actions, transitions, business
// functions and operational workflows, plus the user-flow synthesizer that
// runs after them. Rule-based extractors scan the chunks directly; LLM-based
// ones prompt a model for a single JSON object with a typed top-level key
// and decode it leniently.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"opskb/knowledge"
	"opskb/llm"
	"opskb/llm/jsonx"
	"opskb/store"
	"opskb/telemetry"
	"opskb/token"
)

// maxCorpusTokens bounds how much chunk content goes into one LLM prompt.
const maxCorpusTokens = 24000

// Input is what every extractor receives: the chunk corpus for one job plus
// the identity stamps for the entities it will persist.
type Input struct {
	Chunks      []knowledge.ContentChunk
	WebsiteID   string
	KnowledgeID string
	JobID       string
}

// Result reports one extractor run. Success is false only when the extractor
// could not run at all; an empty entity list with Success=true means the
// corpus simply contained nothing to extract.
type Result struct {
	EntityIDs []string `json:"entity_ids"`
	Errors    []string `json:"errors,omitempty"`
	Success   bool     `json:"success"`
}

// Extractor is the shared contract of the bank.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, in Input) (Result, error)
}

// LoadChunks collects the chunks of every ingestion result for
// (knowledgeID, jobID) in ingestion order and labels each with its source
// type so the corpus can group them.
func LoadChunks(ctx context.Context, st store.Store, knowledgeID, jobID string) ([]knowledge.ContentChunk, error) {
	ingestions, err := st.Ingestions(ctx, knowledgeID, jobID)
	if err != nil {
		return nil, fmt.Errorf("load ingestions: %w", err)
	}
	var out []knowledge.ContentChunk
	for _, ing := range ingestions {
		for _, c := range ing.Chunks {
			if c.Metadata == nil {
				c.Metadata = map[string]string{}
			}
			if c.Metadata["source_type"] == "" {
				c.Metadata["source_type"] = string(ing.SourceType)
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// corpus concatenates chunks grouped by source type into one prompt body,
// truncated to the token budget.
func corpus(chunks []knowledge.ContentChunk) string {
	byType := map[string][]knowledge.ContentChunk{}
	var order []string
	for _, c := range chunks {
		label := c.Metadata["source_type"]
		if label == "" {
			label = string(c.ChunkType)
		}
		if _, seen := byType[label]; !seen {
			order = append(order, label)
		}
		byType[label] = append(byType[label], c)
	}
	sort.Strings(order)

	var sb strings.Builder
	for _, label := range order {
		fmt.Fprintf(&sb, "=== Source type: %s ===\n\n", label)
		for _, c := range byType[label] {
			sb.WriteString(c.Content)
			sb.WriteString("\n\n")
		}
	}
	return token.Truncate(sb.String(), maxCorpusTokens)
}

// maxRawErrorChars caps how much of an unparseable reply is recorded.
const maxRawErrorChars = 2000

// ParseError reports a reply that could not be decoded or failed schema
// validation after the retry. Raw carries the model's reply so callers can
// record it alongside the failure.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse llm reply: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// completeJSON prompts the model in JSON mode, decodes the reply leniently
// into out and validates it against schema when one is given. A reply that
// fails to parse or validate is retried once at the same temperature; a
// second failure returns a *ParseError wrapping the last raw reply.
// Transport errors return as is so the activity retry policy sees them.
func completeJSON(ctx context.Context, client llm.Client, system, prompt string, schema []byte, out any) error {
	if client == nil {
		return fmt.Errorf("llm client not configured")
	}
	var raw string
	var parseErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := client.Complete(ctx, llm.Request{
			System:   system,
			Prompt:   prompt,
			JSONMode: true,
		})
		if err != nil {
			return fmt.Errorf("llm call: %w", err)
		}
		if err := jsonx.DecodeValidated(resp.Text, schema, out); err != nil {
			raw, parseErr = resp.Text, err
			continue
		}
		return nil
	}
	return &ParseError{Raw: raw, Err: parseErr}
}

// degradedResult converts a parse failure into a failed-but-recorded result
// so the orchestrator keeps the remaining extractors running. The raw reply
// rides along in the errors, truncated.
func degradedResult(name string, err error) (Result, bool) {
	var perr *ParseError
	if !errors.As(err, &perr) {
		return Result{}, false
	}
	raw := strings.TrimSpace(perr.Raw)
	if len(raw) > maxRawErrorChars {
		raw = raw[:maxRawErrorChars] + "..."
	}
	res := Result{Errors: []string{fmt.Sprintf("%s: %v", name, perr.Err)}}
	if raw != "" {
		res.Errors = append(res.Errors, "raw reply: "+raw)
	}
	return res, true
}

// Bank runs extractors in a fixed order and aggregates their results.
type Bank struct {
	extractors []Extractor
	lg         telemetry.Logger
}

// NewBank returns a Bank over the given extractors, run in order.
func NewBank(lg telemetry.Logger, extractors ...Extractor) *Bank {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &Bank{extractors: extractors, lg: lg}
}

// Get looks an extractor up by name.
func (b *Bank) Get(name string) (Extractor, bool) {
	for _, ex := range b.extractors {
		if ex.Name() == name {
			return ex, true
		}
	}
	return nil, false
}

// Run executes every extractor against the input. A failing extractor is
// recorded and the bank continues; the aggregate carries every error.
func (b *Bank) Run(ctx context.Context, in Input) map[string]Result {
	out := make(map[string]Result, len(b.extractors))
	for _, ex := range b.extractors {
		if err := ctx.Err(); err != nil {
			out[ex.Name()] = Result{Errors: []string{err.Error()}}
			continue
		}
		res, err := ex.Extract(ctx, in)
		if err != nil {
			b.lg.Error(ctx, "extractor failed", "extractor", ex.Name(), "err", err)
			res.Errors = append(res.Errors, err.Error())
			res.Success = false
		}
		b.lg.Info(ctx, "extractor finished",
			"extractor", ex.Name(),
			"entities", len(res.EntityIDs),
			"errors", len(res.Errors))
		out[ex.Name()] = res
	}
	return out
}
