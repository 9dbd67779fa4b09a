package chunker

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opskb/knowledge"
	"opskb/token"
)

func TestSplitSectionsAndBreadcrumbs(t *testing.T) {
	doc := strings.Join([]string{
		"# User Guide",
		"",
		"Intro paragraph about the product.",
		"",
		"## Login Screen",
		"",
		"Enter your credentials and press the sign-in button.",
		"",
		"## Dashboard",
		"",
		"The dashboard shows all active jobs.",
	}, "\n")

	c := New(Config{MaxTokens: 500})
	chunks := c.Split(doc, "guide.md", knowledge.ChunkDocumentation)
	require.Len(t, chunks, 3)

	assert.Equal(t, "User Guide", chunks[0].SectionTitle)
	assert.True(t, strings.HasPrefix(chunks[0].Content, "File: guide.md | Section: User Guide"))

	assert.Equal(t, "User Guide > Login Screen", chunks[1].SectionTitle)
	assert.Contains(t, chunks[1].Content, "sign-in button")

	assert.Equal(t, "User Guide > Dashboard", chunks[2].SectionTitle)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.ChunkIndex)
		assert.Equal(t, knowledge.ChunkDocumentation, ch.ChunkType)
		assert.Positive(t, ch.TokenCount)
	}
}

func TestCodeBlocksSurviveIntact(t *testing.T) {
	code := "```bash\ncurl -X POST https://api.example.com/jobs\n```"
	doc := "# API\n\nCall the endpoint:\n\n" + code + "\n\nDone."

	c := New(Config{MaxTokens: 500})
	chunks := c.Split(doc, "api.md", knowledge.ChunkDocumentation)
	require.NotEmpty(t, chunks)

	joined := ""
	for _, ch := range chunks {
		joined += ch.Content
	}
	assert.Contains(t, joined, code)
	assert.NotContains(t, joined, "CODE_BLOCK")
}

func TestLongParagraphFallsBackToSentences(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		sb.WriteString("This sentence pads the paragraph well past the budget. ")
	}
	doc := "# Long\n\n" + sb.String()

	c := New(Config{MaxTokens: 100})
	chunks := c.Split(doc, "long.md", knowledge.ChunkDocumentation)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 100)
	}

	// No sentence is lost across the split.
	joined := ""
	for _, ch := range chunks {
		joined += ch.Content + " "
	}
	assert.Equal(t, 200, strings.Count(joined, "This sentence pads the paragraph"))
}

func TestBudgetCoversBreadcrumbAndCodeBlocks(t *testing.T) {
	var code strings.Builder
	code.WriteString("```bash\n")
	for i := 0; i < 30; i++ {
		code.WriteString("curl -X POST https://api.example.com/jobs --data payload\n")
	}
	code.WriteString("```")

	var prose strings.Builder
	for i := 0; i < 40; i++ {
		prose.WriteString("Each request enqueues one extraction job for the worker pool. ")
	}
	doc := "# API Reference\n\n## Job Submission\n\n" + prose.String() + "\n\n" + code.String() + "\n\nDone."

	const maxTokens = 150
	c := New(Config{MaxTokens: maxTokens})
	chunks := c.Split(doc, "api-reference.md", knowledge.ChunkDocumentation)
	require.Greater(t, len(chunks), 1)

	fenceTokens := token.Count(code.String())
	for _, ch := range chunks {
		// A code block is never split, so a chunk carrying one may exceed
		// the budget by the block alone; everything else must fit.
		limit := maxTokens
		if strings.Contains(ch.Content, "```bash") {
			limit += fenceTokens
		}
		assert.LessOrEqual(t, ch.TokenCount, limit, ch.Content)
	}
}

func TestEmptyContentYieldsNoChunks(t *testing.T) {
	c := New(Config{})
	assert.Nil(t, c.Split("   \n\n  ", "empty.md", knowledge.ChunkDocumentation))
}

func TestDeepHeadingsStayInSection(t *testing.T) {
	doc := "# Top\n\nBody.\n\n### Detail\n\nDetail body stays in the same chunk set."
	c := New(Config{MaxTokens: 500})
	chunks := c.Split(doc, "deep.md", knowledge.ChunkDocumentation)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "### Detail")
	assert.Equal(t, "Top", chunks[0].SectionTitle)
}

func TestChunkBudgetProperty(t *testing.T) {
	const maxTokens = 120
	c := New(Config{MaxTokens: maxTokens})

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	word := gen.RegexMatch(`[a-z]{2,10}`)
	sentence := gen.SliceOfN(8, word).Map(func(ws []string) string {
		return strings.Join(ws, " ") + "."
	})
	paragraph := gen.SliceOfN(6, sentence).Map(func(ss []string) string {
		return strings.Join(ss, " ")
	})
	document := gen.SliceOf(paragraph).Map(func(ps []string) string {
		return strings.Join(ps, "\n\n")
	})

	properties.Property("every chunk respects the token budget", prop.ForAll(
		func(doc string) bool {
			for _, ch := range c.Split(doc, "prop.md", knowledge.ChunkDocumentation) {
				// The budget covers the emitted chunk, breadcrumb included.
				if ch.TokenCount > maxTokens {
					return false
				}
			}
			return true
		},
		document,
	))

	properties.Property("chunk indices are monotonic", prop.ForAll(
		func(doc string) bool {
			for i, ch := range c.Split(doc, "prop.md", knowledge.ChunkDocumentation) {
				if ch.ChunkIndex != i {
					return false
				}
			}
			return true
		},
		document,
	))

	properties.TestingRun(t)
}
