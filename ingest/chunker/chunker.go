// Package chunker splits document content into token-bounded chunks for the
// extractors. Fenced code blocks are shielded behind placeholders during
// splitting so a chunk never cuts through one, sections follow H1/H2
// headings, and every emitted chunk carries a breadcrumb of its origin.
package chunker

import (
	"fmt"
	"regexp"
	"strings"

	"opskb/knowledge"
	"opskb/token"
)

// DefaultMaxTokens bounds a chunk unless the caller overrides it.
const DefaultMaxTokens = 2000

var (
	fenceRE   = regexp.MustCompile("(?s)```.*?```")
	headingRE = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
)

// Config tunes the chunker.
type Config struct {
	// MaxTokens caps chunk size, DefaultMaxTokens when zero.
	MaxTokens int
}

// Chunker splits text into knowledge.ContentChunk values.
type Chunker struct {
	maxTokens int
}

// New returns a Chunker with the given config.
func New(cfg Config) *Chunker {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Chunker{maxTokens: maxTokens}
}

type section struct {
	path []string
	body string
}

// Split chunks content. filename feeds the breadcrumb prefix; chunkType tags
// every emitted chunk. Chunk indices are monotonic across the whole document.
func (c *Chunker) Split(content, filename string, chunkType knowledge.ChunkType) []knowledge.ContentChunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	shielded, blocks := shieldCodeBlocks(content)
	sections := splitSections(shielded)

	var chunks []knowledge.ContentChunk
	index := 0
	for _, sec := range sections {
		title := strings.Join(sec.path, " > ")
		prefix := breadcrumb(filename, sec.path)
		// The breadcrumb rides on every chunk of the section, so the body
		// budget shrinks by its cost.
		budget := c.maxTokens - token.Count(prefix)
		if budget < 1 {
			budget = 1
		}
		for _, body := range c.packSection(sec.body, budget, blocks) {
			text := prefix + unshieldCodeBlocks(body, blocks)
			chunks = append(chunks, knowledge.ContentChunk{
				ChunkID:      fmt.Sprintf("chunk-%d", index),
				ChunkIndex:   index,
				Content:      text,
				TokenCount:   token.Count(text),
				ChunkType:    chunkType,
				SectionTitle: title,
			})
			index++
		}
	}
	return chunks
}

// shieldCodeBlocks replaces fenced code blocks with opaque placeholders and
// returns the reinsertion map.
func shieldCodeBlocks(content string) (string, map[string]string) {
	blocks := make(map[string]string)
	i := 0
	shielded := fenceRE.ReplaceAllStringFunc(content, func(block string) string {
		key := fmt.Sprintf("[[CODE_BLOCK_%d]]", i)
		blocks[key] = block
		i++
		return key
	})
	return shielded, blocks
}

func unshieldCodeBlocks(text string, blocks map[string]string) string {
	if len(blocks) == 0 {
		return text
	}
	for key, block := range blocks {
		text = strings.ReplaceAll(text, key, block)
	}
	return text
}

// splitSections cuts the document at H1/H2 headings and tracks the full
// heading path (H1..H6) for breadcrumbs.
func splitSections(content string) []section {
	var (
		sections []section
		path     [6]string
		depth    int
		body     strings.Builder
	)
	flush := func() {
		text := strings.TrimSpace(body.String())
		body.Reset()
		if text == "" {
			return
		}
		sections = append(sections, section{path: headingPath(path, depth), body: text})
	}
	for _, line := range strings.Split(content, "\n") {
		m := headingRE.FindStringSubmatch(line)
		if m == nil {
			body.WriteString(line)
			body.WriteByte('\n')
			continue
		}
		level := len(m[1])
		title := strings.TrimSpace(m[2])
		if level <= 2 {
			flush()
		} else {
			// Deeper headings stay inside the current section body.
			body.WriteString(line)
			body.WriteByte('\n')
		}
		path[level-1] = title
		for i := level; i < 6; i++ {
			path[i] = ""
		}
		if level > depth {
			depth = level
		}
		if level <= 2 {
			depth = level
		}
	}
	flush()
	return sections
}

func headingPath(path [6]string, depth int) []string {
	var out []string
	for i := 0; i < depth && i < 6; i++ {
		if path[i] != "" {
			out = append(out, path[i])
		}
	}
	return out
}

func breadcrumb(filename string, path []string) string {
	if filename == "" && len(path) == 0 {
		return ""
	}
	b := "File: " + filename
	if len(path) > 0 {
		b += " | Section: " + strings.Join(path, " > ")
	}
	return b + "\n\n"
}

// packSection packs paragraphs greedily up to the token budget. Paragraphs
// exceeding the budget on their own are re-split at sentence boundaries; a
// single sentence or code block larger than the budget still becomes its
// own chunk.
func (c *Chunker) packSection(body string, budget int, blocks map[string]string) []string {
	paragraphs := splitParagraphs(body)
	var (
		out     []string
		current strings.Builder
		tokens  int
	)
	flush := func() {
		if current.Len() == 0 {
			return
		}
		out = append(out, strings.TrimSpace(current.String()))
		current.Reset()
		tokens = 0
	}
	appendUnit := func(unit string, n int) {
		// The +2 covers the paragraph separator joining units.
		if current.Len() > 0 && tokens+n+2 > budget {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
			tokens += 2
		}
		current.WriteString(unit)
		tokens += n
	}
	for _, para := range paragraphs {
		n := unitCost(para, blocks)
		if n <= budget {
			appendUnit(para, n)
			continue
		}
		flush()
		for _, sentence := range splitSentences(para) {
			appendUnit(sentence, unitCost(sentence, blocks))
		}
		flush()
	}
	flush()
	return out
}

// unitCost prices a unit with its shielded code blocks expanded: the
// placeholder stands in during splitting but the emitted chunk carries the
// block itself.
func unitCost(unit string, blocks map[string]string) int {
	n := token.Count(unit)
	for key, block := range blocks {
		hits := strings.Count(unit, key)
		if hits == 0 {
			continue
		}
		n += hits * (token.Count(block) - token.Count(key))
	}
	return n
}

func splitParagraphs(body string) []string {
	var out []string
	for _, p := range strings.Split(body, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences cuts text after terminal punctuation followed by
// whitespace. A run with no terminators comes back as a single sentence.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes)-1; i++ {
		ch := runes[i]
		if (ch == '.' || ch == '!' || ch == '?') && (runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t') {
			sentence := strings.TrimSpace(string(runes[start : i+1]))
			if sentence != "" {
				out = append(out, sentence)
			}
			start = i + 1
		}
	}
	tail := strings.TrimSpace(string(runes[start:]))
	if tail != "" {
		out = append(out, tail)
	}
	return out
}
