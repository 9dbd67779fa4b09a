package crawl

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opskb/telemetry"
)

// scriptedDriver serves canned HTML per URL.
type scriptedDriver struct {
	pages   map[string]string
	current string
	visits  []string
}

func (d *scriptedDriver) Navigate(_ context.Context, u string) error {
	if _, ok := d.pages[u]; !ok {
		return fmt.Errorf("no page for %s", u)
	}
	d.current = u
	d.visits = append(d.visits, u)
	return nil
}

func (d *scriptedDriver) HTML(context.Context) (string, error) {
	return d.pages[d.current], nil
}

func (d *scriptedDriver) CurrentURL(context.Context) (string, error) { return d.current, nil }
func (d *scriptedDriver) Click(context.Context, string) error        { return nil }
func (d *scriptedDriver) SendKeys(context.Context, string, string) error {
	return nil
}
func (d *scriptedDriver) Close(context.Context) error { return nil }

func site() *scriptedDriver {
	return &scriptedDriver{pages: map[string]string{
		"https://app.example.com": `<html><head><title>Home</title></head><body>
			<a href="/dashboard">Dashboard</a>
			<a href="/settings">Settings</a>
			<a href="https://docs.example.com/api">API docs</a>
			<a href="https://other.org/page">Elsewhere</a>
			<a href="#section">Anchor</a>
			<a href="mailto:ops@example.com">Mail</a>
		</body></html>`,
		"https://app.example.com/dashboard": `<html><head><title>Dashboard</title></head><body>
			<a href="/settings">Settings</a>
			<a href="/dashboard/jobs">Jobs</a>
		</body></html>`,
		"https://app.example.com/settings": `<html><head><title>Settings</title></head><body>
			<form method="get" action="/search"><input type="text" name="q"></form>
			<form method="post" action="/password"><input type="password" name="pw" required></form>
		</body></html>`,
		"https://app.example.com/dashboard/jobs": `<html><head><title>Jobs</title></head><body>No links here.</body></html>`,
	}}
}

func TestCrawlBFSVisitsByDepth(t *testing.T) {
	d := site()
	c := New(d, telemetry.NewNoopLogger())

	res, err := c.Crawl(context.Background(), "https://app.example.com", Options{MaxPages: 10, MaxDepth: 2, Strategy: BFS})
	require.NoError(t, err)
	require.Len(t, res.Pages, 4)
	assert.Equal(t, []string{
		"https://app.example.com",
		"https://app.example.com/dashboard",
		"https://app.example.com/settings",
		"https://app.example.com/dashboard/jobs",
	}, d.visits)
	assert.False(t, res.Truncated)
	assert.Contains(t, res.ExternalLinks, "https://other.org/page")
}

func TestCrawlSubdomainIsInternal(t *testing.T) {
	d := site()
	c := New(d, telemetry.NewNoopLogger())

	res, err := c.Crawl(context.Background(), "https://app.example.com", Options{MaxPages: 1, MaxDepth: 1})
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)

	var docsLink *Link
	for i := range res.Pages[0].Links {
		if strings.Contains(res.Pages[0].Links[i].URL, "docs.example.com") {
			docsLink = &res.Pages[0].Links[i]
		}
	}
	require.NotNil(t, docsLink)
	assert.True(t, docsLink.Internal)
}

func TestCrawlMaxPagesTruncates(t *testing.T) {
	d := site()
	c := New(d, telemetry.NewNoopLogger())

	res, err := c.Crawl(context.Background(), "https://app.example.com", Options{MaxPages: 2, MaxDepth: 3})
	require.NoError(t, err)
	assert.Len(t, res.Pages, 2)
	assert.True(t, res.Truncated)
}

func TestCrawlDepthLimit(t *testing.T) {
	d := site()
	c := New(d, telemetry.NewNoopLogger())

	res, err := c.Crawl(context.Background(), "https://app.example.com", Options{MaxPages: 10, MaxDepth: 1})
	require.NoError(t, err)
	for _, p := range res.Pages {
		assert.LessOrEqual(t, p.Depth, 1)
	}
	// /dashboard/jobs is at depth 2 and must not be visited.
	assert.NotContains(t, d.visits, "https://app.example.com/dashboard/jobs")
}

func TestCrawlSeedOnlyWhenNoLinks(t *testing.T) {
	d := &scriptedDriver{pages: map[string]string{
		"https://solo.example.com": `<html><head><title>Solo</title></head><body>Nothing to follow.</body></html>`,
	}}
	c := New(d, telemetry.NewNoopLogger())

	res, err := c.Crawl(context.Background(), "https://solo.example.com", Options{MaxPages: 10, MaxDepth: 3})
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)
	assert.Equal(t, "Solo", res.Pages[0].Title)
}

func TestCrawlDFSOrder(t *testing.T) {
	d := site()
	c := New(d, telemetry.NewNoopLogger())

	_, err := c.Crawl(context.Background(), "https://app.example.com", Options{MaxPages: 10, MaxDepth: 3, Strategy: DFS})
	require.NoError(t, err)
	// DFS pops the most recently discovered link first.
	assert.Equal(t, "https://app.example.com/settings", d.visits[1])
}

func TestExtractFormsRetentionRules(t *testing.T) {
	html := `<html><body>
		<form method="get" action="/search"><input type="text" name="q"></form>
		<form method="post" action="/login"><input type="text" name="user"><input type="password" name="pw"></form>
		<form method="post" action="/csrf"><input type="hidden" name="token"></form>
	</body></html>`
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)

	forms := ExtractForms(doc)
	require.Len(t, forms, 2)
	assert.Equal(t, "GET", forms[0].Method)
	assert.Equal(t, "/csrf", forms[1].Action)
	assert.True(t, forms[1].Fields[0].Hidden)
}

func TestSameSite(t *testing.T) {
	assert.True(t, sameSite("example.com", "example.com"))
	assert.True(t, sameSite("docs.example.com", "example.com"))
	assert.True(t, sameSite("example.com", "docs.example.com"))
	assert.False(t, sameSite("example.com", "notexample.com"))
	assert.False(t, sameSite("example.com", "other.org"))
}

func TestNormalizeURL(t *testing.T) {
	u, err := url.Parse("https://example.com/docs/#intro")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/docs", normalizeURL(u))
}
