// Package ingest routes sources to their ingesters. Documentation and
// website sources are handled here as single monolithic operations; video
// sources go through the ingest/video sub-pipeline, which the orchestrator
// drives step by step.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"opskb/crawl"
	"opskb/ingest/docs"
	"opskb/ingest/web"
	"opskb/knowledge"
	"opskb/store"
	"opskb/telemetry"
)

// SourceBatchSize bounds how many sources ingest concurrently.
const SourceBatchSize = 5

// ErrVideoSource is returned when a video source reaches the monolithic
// router; callers must route those through the video sub-pipeline.
var ErrVideoSource = errors.New("ingest: video sources use the video sub-pipeline")

// Router dispatches one source to the matching ingester and persists the
// result.
type Router struct {
	docs  *docs.Ingester
	web   *web.Ingester
	store store.Store
	dedup store.IngestionDedup
	lg    telemetry.Logger
	tr    telemetry.Tracer
}

// Options configures the Router.
type Options struct {
	Docs  *docs.Ingester
	Web   *web.Ingester
	Store store.Store
	// Dedup is optional; without it every source is re-ingested.
	Dedup  store.IngestionDedup
	Logger telemetry.Logger
	// Tracer spans each source ingestion; nil disables tracing.
	Tracer telemetry.Tracer
}

// New returns a Router.
func New(opts Options) (*Router, error) {
	if opts.Docs == nil {
		return nil, errors.New("docs ingester is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	lg := opts.Logger
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	tr := opts.Tracer
	if tr == nil {
		tr = telemetry.NewNoopTracer()
	}
	return &Router{docs: opts.Docs, web: opts.Web, store: opts.Store, dedup: opts.Dedup, lg: lg, tr: tr}, nil
}

// IngestSource ingests one non-video source and persists the result. The
// ingestion id is derived deterministically from (workflowID, source URL,
// jobID). The returned result reports per-source failure via Success and
// Errors; the error return is reserved for infrastructure failures.
func (r *Router) IngestSource(ctx context.Context, src knowledge.Source, crawlOpts crawl.Options, workflowID, knowledgeID, jobID string) (*knowledge.IngestionResult, error) {
	srcType := src.ResolvedType()
	if srcType == knowledge.SourceVideo {
		return nil, ErrVideoSource
	}
	ingestionID := knowledge.IngestionID(workflowID, src.URL, jobID)

	ctx, span := r.tr.Start(ctx, "ingest.source",
		telemetry.Attr{K: "source.url", V: src.URL},
		telemetry.Attr{K: "source.type", V: string(srcType)})
	defer span.End()

	if reused := r.reuseUnchanged(ctx, src, srcType); reused != nil {
		r.lg.Info(ctx, "source unchanged, reusing prior ingestion",
			"source", src.URL, "ingestion_id", reused.IngestionID)
		return reused, nil
	}

	var res *knowledge.IngestionResult
	switch srcType {
	case knowledge.SourceWebsite:
		if r.web == nil {
			return nil, errors.New("website ingester not configured")
		}
		res = r.web.Ingest(ctx, src, crawlOpts, ingestionID, knowledgeID, jobID)
	case knowledge.SourceDocumentation, knowledge.SourceWebsiteDocumentation:
		res = r.docs.Ingest(ctx, src, ingestionID, knowledgeID, jobID)
	default:
		return nil, fmt.Errorf("unsupported source type %q", srcType)
	}

	if err := r.store.SaveIngestion(ctx, res); err != nil {
		err = fmt.Errorf("persist ingestion %s: %w", ingestionID, err)
		span.RecordError(err)
		return nil, err
	}
	r.recordHash(ctx, src, srcType, res)
	if !res.Success {
		r.lg.Warn(ctx, "source ingestion failed",
			"source", src.URL, "errors", strings.Join(res.Errors, "; "))
	}
	return res, nil
}

// reuseUnchanged returns a prior ingestion result when the source content
// hash matches a recorded one. Only local files hash cheaply.
func (r *Router) reuseUnchanged(ctx context.Context, src knowledge.Source, srcType knowledge.SourceType) *knowledge.IngestionResult {
	if r.dedup == nil || srcType != knowledge.SourceDocumentation {
		return nil
	}
	hash, ok := localContentHash(src.URL)
	if !ok {
		return nil
	}
	meta, err := r.dedup.LookupHash(ctx, hash)
	if err != nil || meta.SourceURL != src.URL {
		return nil
	}
	prior, err := r.store.IngestionByID(ctx, meta.IngestionID)
	if err != nil {
		return nil
	}
	return prior
}

func (r *Router) recordHash(ctx context.Context, src knowledge.Source, srcType knowledge.SourceType, res *knowledge.IngestionResult) {
	if r.dedup == nil || !res.Success || srcType != knowledge.SourceDocumentation {
		return
	}
	hash, ok := localContentHash(src.URL)
	if !ok {
		return
	}
	err := r.dedup.RecordHash(ctx, &knowledge.IngestionMetadata{
		ContentHash: hash,
		SourceURL:   src.URL,
		IngestionID: res.IngestionID,
	})
	if err != nil {
		r.lg.Warn(ctx, "record ingestion hash failed", "source", src.URL, "err", err)
	}
}

func localContentHash(rawURL string) (string, bool) {
	path := strings.TrimPrefix(rawURL, "file://")
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return "", false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return knowledge.ContentHash(raw), true
}

// Batches splits sources into SourceBatchSize groups preserving order.
func Batches(sources []knowledge.Source) [][]knowledge.Source {
	if len(sources) == 0 {
		return nil
	}
	var out [][]knowledge.Source
	for start := 0; start < len(sources); start += SourceBatchSize {
		end := start + SourceBatchSize
		if end > len(sources) {
			end = len(sources)
		}
		out = append(out, sources[start:end])
	}
	return out
}

// Outcome is the per-source verdict the orchestrator feeds Summarize: did
// the source ingest, how many chunks it produced and what went wrong.
type Outcome struct {
	URL     string
	Success bool
	Chunks  int
	Errors  []string
}

// Summarize applies the source failure policy: per-source errors degrade
// the run into warnings and the run itself fails only when every source
// failed. A source that reported failure but still produced chunks counts
// as degraded, not failed.
func Summarize(outcomes []Outcome) (warnings []string, err error) {
	if len(outcomes) == 0 {
		return nil, errors.New("no sources were ingested")
	}
	succeeded := 0
	for _, o := range outcomes {
		warnings = append(warnings, o.Errors...)
		if o.Success || o.Chunks > 0 {
			succeeded++
			continue
		}
		if len(o.Errors) == 0 {
			warnings = append(warnings, fmt.Sprintf("source %s failed", o.URL))
		}
	}
	if succeeded == 0 {
		return warnings, fmt.Errorf("all %d sources failed to ingest", len(outcomes))
	}
	return warnings, nil
}
