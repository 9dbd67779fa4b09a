// Package docs ingests documentation sources: markdown, plain text, HTML,
// PDF and docx. Each format is parsed to a markdown-like canonical text,
// chunked, and wrapped in a single IngestionResult with a comprehensive
// summary chunk at the tail.
package docs

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"opskb/ingest/chunker"
	"opskb/knowledge"
	"opskb/token"
)

// maxFetchBytes caps remote document downloads.
const maxFetchBytes = 64 << 20

// Ingester parses and chunks documentation sources.
type Ingester struct {
	chunker *chunker.Chunker
	client  *http.Client
}

// Options configures the documentation ingester.
type Options struct {
	// Chunker defaults to chunker.New(chunker.Config{}).
	Chunker *chunker.Chunker
	// HTTPClient defaults to a client with a 60s timeout.
	HTTPClient *http.Client
}

// New returns a documentation Ingester.
func New(opts Options) *Ingester {
	c := opts.Chunker
	if c == nil {
		c = chunker.New(chunker.Config{})
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Ingester{chunker: c, client: client}
}

// Ingest loads, parses and chunks one documentation source. Parse failures
// are reported inside the result, not as an error: the caller decides
// whether a failed source is fatal.
func (g *Ingester) Ingest(ctx context.Context, src knowledge.Source, ingestionID, knowledgeID, jobID string) *knowledge.IngestionResult {
	started := time.Now().UTC()
	res := &knowledge.IngestionResult{
		IngestionID: ingestionID,
		KnowledgeID: knowledgeID,
		JobID:       jobID,
		SourceType:  knowledge.SourceDocumentation,
		SourceMetadata: map[string]string{
			"source_url":  src.URL,
			"source_name": src.Name,
		},
		StartedAt: started,
	}
	fail := func(err error) *knowledge.IngestionResult {
		res.Errors = append(res.Errors, err.Error())
		res.CompletedAt = time.Now().UTC()
		return res
	}

	raw, err := g.load(ctx, src.URL)
	if err != nil {
		return fail(fmt.Errorf("load source: %w", err))
	}
	text, err := Parse(raw, extOf(src.URL))
	if err != nil {
		return fail(err)
	}

	name := src.Name
	if name == "" {
		name = path.Base(strings.SplitN(src.URL, "?", 2)[0])
	}
	chunks := g.chunker.Split(text, name, knowledge.ChunkDocumentation)
	if summary := summaryChunk(name, chunks); summary != nil {
		chunks = append(chunks, *summary)
	}
	res.Chunks = chunks
	for _, c := range chunks {
		res.TotalTokens += c.TokenCount
	}
	res.Success = res.ContentLength() > 0
	if !res.Success {
		res.Errors = append(res.Errors, "document produced no content")
	}
	res.CompletedAt = time.Now().UTC()
	return res
}

func (g *Ingester) load(ctx context.Context, rawURL string) ([]byte, error) {
	switch {
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	case strings.HasPrefix(rawURL, "file://"):
		return os.ReadFile(strings.TrimPrefix(rawURL, "file://"))
	default:
		return os.ReadFile(rawURL)
	}
}

func extOf(rawURL string) string {
	clean := strings.SplitN(rawURL, "?", 2)[0]
	clean = strings.SplitN(clean, "#", 2)[0]
	return strings.ToLower(path.Ext(clean))
}

// Parse converts raw document bytes to canonical text for chunking.
func Parse(raw []byte, ext string) (string, error) {
	switch ext {
	case ".md", ".txt", ".rst", "":
		return string(raw), nil
	case ".html", ".htm":
		return parseHTML(raw)
	case ".pdf":
		return parsePDF(raw)
	case ".docx":
		return parseDocx(raw)
	default:
		return "", fmt.Errorf("unsupported document format %q", ext)
	}
}

// parseHTML converts an HTML document to markdown-like text: headings keep
// their level, list items become bullets, scripts and styles are dropped.
func parseHTML(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	var sb strings.Builder
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, td, th").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		switch goquery.NodeName(sel) {
		case "h1":
			sb.WriteString("# " + text + "\n\n")
		case "h2":
			sb.WriteString("## " + text + "\n\n")
		case "h3", "h4", "h5", "h6":
			sb.WriteString("### " + text + "\n\n")
		case "li":
			sb.WriteString("- " + text + "\n")
		case "pre":
			sb.WriteString("```\n" + text + "\n```\n\n")
		default:
			sb.WriteString(text + "\n\n")
		}
	})
	out := strings.TrimSpace(sb.String())
	if out == "" {
		// Fall back to the full body text for pages without semantic markup.
		out = strings.TrimSpace(doc.Find("body").Text())
	}
	return out, nil
}

func parsePDF(raw []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return CleanPDFText(string(text)), nil
}

var pageNumberRE = regexp.MustCompile(`^\s*(?:page\s+)?\d+(?:\s*(?:of|/)\s*\d+)?\s*$`)

// CleanPDFText strips page numbers and repeated header/footer lines. A line
// appearing on three or more pages verbatim is treated as boilerplate.
func CleanPDFText(text string) string {
	lines := strings.Split(text, "\n")
	freq := make(map[string]int, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			freq[trimmed]++
		}
	}
	var out []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			out = append(out, "")
			continue
		}
		if pageNumberRE.MatchString(strings.ToLower(trimmed)) {
			continue
		}
		if freq[trimmed] >= 3 && len(trimmed) < 80 {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// parseDocx extracts paragraph text from word/document.xml inside the docx
// archive. Token streaming keeps it independent of the WordprocessingML
// namespace soup.
func parseDocx(raw []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open docx archive: %w", err)
	}
	var docXML io.ReadCloser
	for _, f := range archive.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return "", fmt.Errorf("open document.xml: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return "", fmt.Errorf("docx archive has no word/document.xml")
	}
	defer docXML.Close()

	var (
		sb     strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(docXML)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("decode document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// summaryChunk builds the comprehensive-summary chunk appended after the
// content chunks: document statistics and the section inventory.
func summaryChunk(name string, chunks []knowledge.ContentChunk) *knowledge.ContentChunk {
	if len(chunks) == 0 {
		return nil
	}
	totalTokens := 0
	seen := make(map[string]bool)
	var sections []string
	for _, c := range chunks {
		totalTokens += c.TokenCount
		if c.SectionTitle != "" && !seen[c.SectionTitle] {
			seen[c.SectionTitle] = true
			sections = append(sections, c.SectionTitle)
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Comprehensive summary of %s\n\n", name)
	fmt.Fprintf(&sb, "Chunks: %d\nTotal tokens: %d\nSections: %d\n", len(chunks), totalTokens, len(sections))
	if len(sections) > 0 {
		sb.WriteString("\nSection inventory:\n")
		for _, s := range sections {
			sb.WriteString("- " + s + "\n")
		}
	}
	content := sb.String()
	return &knowledge.ContentChunk{
		ChunkID:      fmt.Sprintf("chunk-%d", len(chunks)),
		ChunkIndex:   len(chunks),
		Content:      content,
		TokenCount:   token.Count(content),
		ChunkType:    knowledge.ChunkDocSummary,
		SectionTitle: "Comprehensive Summary",
	}
}
