// Package web ingests website sources: it crawls from the start URL through
// the browser driver, converts each page to canonical text and emits one
// IngestionResult covering the whole crawl.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"opskb/crawl"
	"opskb/ingest/chunker"
	"opskb/ingest/docs"
	"opskb/knowledge"
	"opskb/telemetry"
)

// Ingester crawls and chunks websites.
type Ingester struct {
	crawler *crawl.Crawler
	chunker *chunker.Chunker
	lg      telemetry.Logger
}

// Options configures the website ingester.
type Options struct {
	Crawler *crawl.Crawler
	// Chunker defaults to chunker.New(chunker.Config{}).
	Chunker *chunker.Chunker
	Logger  telemetry.Logger
}

// New returns a website Ingester.
func New(opts Options) (*Ingester, error) {
	if opts.Crawler == nil {
		return nil, fmt.Errorf("crawler is required")
	}
	c := opts.Chunker
	if c == nil {
		c = chunker.New(chunker.Config{})
	}
	lg := opts.Logger
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &Ingester{crawler: opts.Crawler, chunker: c, lg: lg}, nil
}

// Ingest crawls src.URL and chunks every page. Crawl failures are reported
// inside the result; a crawl that yields zero content marks the result
// failed.
func (g *Ingester) Ingest(ctx context.Context, src knowledge.Source, opts crawl.Options, ingestionID, knowledgeID, jobID string) *knowledge.IngestionResult {
	started := time.Now().UTC()
	res := &knowledge.IngestionResult{
		IngestionID: ingestionID,
		KnowledgeID: knowledgeID,
		JobID:       jobID,
		SourceType:  knowledge.SourceWebsite,
		SourceMetadata: map[string]string{
			"source_url":  src.URL,
			"source_name": src.Name,
		},
		StartedAt: started,
	}
	crawled, err := g.crawler.Crawl(ctx, src.URL, opts)
	if err != nil && crawled == nil {
		res.Errors = append(res.Errors, err.Error())
		res.CompletedAt = time.Now().UTC()
		return res
	}
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	index := 0
	for _, page := range crawled.Pages {
		text, perr := docs.Parse([]byte(page.HTML), ".html")
		if perr != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("parse %s: %v", page.URL, perr))
			continue
		}
		name := page.Title
		if name == "" {
			name = page.URL
		}
		for _, chunk := range g.chunker.Split(text, name, knowledge.ChunkWebpage) {
			chunk.ChunkID = fmt.Sprintf("chunk-%d", index)
			chunk.ChunkIndex = index
			chunk.Metadata = map[string]string{
				"page_url":   page.URL,
				"page_depth": strconv.Itoa(page.Depth),
			}
			if len(page.Forms) > 0 {
				if raw, merr := json.Marshal(page.Forms); merr == nil {
					chunk.Metadata["forms"] = string(raw)
				}
			}
			res.Chunks = append(res.Chunks, chunk)
			res.TotalTokens += chunk.TokenCount
			index++
		}
	}
	res.SourceMetadata["pages_crawled"] = strconv.Itoa(len(crawled.Pages))
	res.SourceMetadata["external_links"] = strconv.Itoa(len(crawled.ExternalLinks))
	res.Success = res.ContentLength() > 0
	if !res.Success {
		res.Errors = append(res.Errors, "crawl produced no content")
	}
	res.CompletedAt = time.Now().UTC()
	return res
}
