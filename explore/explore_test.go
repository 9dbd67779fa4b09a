package explore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opskb/browser"
	"opskb/crawl"
	"opskb/store/inmem"
)

type scriptedDriver struct {
	pages    map[string]string
	current  string
	keysSent map[string]string
	clicks   []string
	closed   int
}

func newScriptedDriver(pages map[string]string) *scriptedDriver {
	return &scriptedDriver{pages: pages, keysSent: map[string]string{}}
}

func (d *scriptedDriver) Navigate(_ context.Context, url string) error {
	if _, ok := d.pages[url]; !ok {
		return fmt.Errorf("no page at %s", url)
	}
	d.current = url
	return nil
}

func (d *scriptedDriver) HTML(context.Context) (string, error) {
	return d.pages[d.current], nil
}

func (d *scriptedDriver) CurrentURL(context.Context) (string, error) { return d.current, nil }

func (d *scriptedDriver) Click(_ context.Context, selector string) error {
	d.clicks = append(d.clicks, selector)
	return nil
}

func (d *scriptedDriver) SendKeys(_ context.Context, selector, text string) error {
	d.keysSent[selector] = text
	return nil
}

func (d *scriptedDriver) Close(context.Context) error {
	d.closed++
	return nil
}

var _ browser.Driver = (*scriptedDriver)(nil)

func factoryFor(d *scriptedDriver) DriverFactory {
	return func(context.Context) (browser.Driver, error) { return d, nil }
}

const checkoutHTML = `<html><head><title>Checkout</title></head><body>
<form action="/pay" method="post">
  <label for="card">Card number</label>
  <input id="card" name="card" type="text" required>
  <input name="token" type="hidden">
  <input id="pay-now" type="submit">
</form>
</body></html>`

func TestExplorePersistsFormEntities(t *testing.T) {
	st := inmem.New()
	driver := newScriptedDriver(map[string]string{"https://shop.example.com/checkout": checkoutHTML})
	ex, err := New(factoryFor(driver), st, nil)
	require.NoError(t, err)

	res, err := ex.Explore(context.Background(), Options{
		URLs:     []string{"https://shop.example.com/checkout"},
		MaxPages: 5,
	}, "site-1", "kb1", "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.URLsExplored)
	assert.Equal(t, 1, res.PagesVisited)
	assert.Equal(t, 1, res.ScreensCreated)
	assert.Equal(t, 2, res.ActionsCreated)
	assert.Equal(t, 1, res.TasksCreated)

	screens, err := st.Screens(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	require.Len(t, screens, 1)
	assert.Equal(t, "Checkout", screens[0].Name)
	assert.Equal(t, extractionMethod, screens[0].Metadata["extraction_method"])
	assert.Equal(t, "documentation", screens[0].Metadata["extracted_from"])
	assert.Contains(t, screens[0].StateSignature.RequiredIndicators, "Card number")

	tasks, err := st.Tasks(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, extractionMethod, task.Metadata["extraction_method"])
	assert.Equal(t, "false", task.Metadata["multi_step"])
	// One fill step for the visible field plus the submit step.
	require.Len(t, task.Steps, 2)
	assert.Equal(t, "fill", task.Steps[0].Type)
	assert.Equal(t, "submit", task.Steps[1].Type)
	assert.Equal(t, []string{screens[0].EntityID}, task.ScreenIDs)

	// Each explored URL gets its own session and it must be torn down.
	assert.Equal(t, 1, driver.closed)
}

func TestExploreTagsVideoSourcedURLs(t *testing.T) {
	st := inmem.New()
	driver := newScriptedDriver(map[string]string{"https://shop.example.com/checkout": checkoutHTML})
	ex, err := New(factoryFor(driver), st, nil)
	require.NoError(t, err)

	_, err = ex.Explore(context.Background(), Options{
		URLs:          []string{"https://shop.example.com/checkout"},
		MaxPages:      1,
		ExtractedFrom: "video",
	}, "site-1", "kb1", "j1")
	require.NoError(t, err)

	screens, err := st.Screens(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	require.Len(t, screens, 1)
	assert.Equal(t, "video", screens[0].Metadata["extracted_from"])

	tasks, err := st.Tasks(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "video", tasks[0].Metadata["extracted_from"])

	actions, err := st.Actions(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	require.NotEmpty(t, actions)
	assert.Equal(t, "video", actions[0].Metadata["extracted_from"])
}

func TestExploreLogsInWithCredentials(t *testing.T) {
	loginHTML := `<html><head><title>Sign in</title></head><body>
	<form action="/session" method="post">
	  <input id="user" name="username" type="email">
	  <input id="pw" name="password" type="password">
	  <input id="go" type="submit">
	</form>
	</body></html>`
	st := inmem.New()
	driver := newScriptedDriver(map[string]string{"https://app.example.com": loginHTML})
	ex, err := New(factoryFor(driver), st, nil)
	require.NoError(t, err)

	_, err = ex.Explore(context.Background(), Options{
		URLs:        []string{"https://app.example.com"},
		Credentials: &Credentials{Username: "ops@example.com", Password: "hunter2"},
		MaxPages:    1,
	}, "site-1", "kb1", "j1")
	require.NoError(t, err)

	assert.Equal(t, "ops@example.com", driver.keysSent["#user"])
	assert.Equal(t, "hunter2", driver.keysSent["#pw"])
	require.Len(t, driver.clicks, 1)
	assert.Equal(t, "#go", driver.clicks[0])
}

func TestExploreSamplesUncrawledLinks(t *testing.T) {
	indexHTML := `<html><head><title>Home</title></head><body>
	<a href="/reports">Reports</a>
	<a href="/account/login">Login</a>
	<a href="mailto:ops@example.com">Mail us</a>
	</body></html>`
	st := inmem.New()
	driver := newScriptedDriver(map[string]string{
		"https://app.example.com":         indexHTML,
		"https://app.example.com/reports": `<html><head><title>Reports</title></head><body></body></html>`,
	})
	ex, err := New(factoryFor(driver), st, nil)
	require.NoError(t, err)

	res, err := ex.Explore(context.Background(), Options{
		URLs:     []string{"https://app.example.com"},
		MaxPages: 1, // crawl only the seed so /reports stays unvisited
	}, "site-1", "kb1", "j1")
	require.NoError(t, err)

	// Seed screen plus the sampled /reports destination; the login and
	// mailto links are filtered.
	assert.Equal(t, 2, res.ScreensCreated)
	screens, err := st.Screens(context.Background(), "kb1", "j1")
	require.NoError(t, err)
	var sampled bool
	for _, s := range screens {
		if s.Metadata["sampled_from"] != "" {
			sampled = true
			assert.Equal(t, "Reports", s.Name)
		}
	}
	assert.True(t, sampled)
}

func TestExploreFailingURLIsNonFatal(t *testing.T) {
	st := inmem.New()
	driver := newScriptedDriver(map[string]string{"https://ok.example.com": `<html><head><title>OK</title></head><body></body></html>`})
	ex, err := New(factoryFor(driver), st, nil)
	require.NoError(t, err)

	res, err := ex.Explore(context.Background(), Options{
		URLs:     []string{"https://down.example.com", "https://ok.example.com"},
		MaxPages: 1,
	}, "site-1", "kb1", "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ScreensCreated)
	assert.NotEmpty(t, res.Errors)
}

func TestSkipLink(t *testing.T) {
	assert.True(t, SkipLink("https://x.io/login"))
	assert.True(t, SkipLink("https://x.io/share?u=1"))
	assert.True(t, SkipLink("mailto:a@b.c"))
	assert.True(t, SkipLink("https://x.io/report.pdf"))
	assert.False(t, SkipLink("https://x.io/dashboard"))
}

func TestIsMultiStep(t *testing.T) {
	wizard := crawl.Form{Fields: []crawl.FormField{
		{Name: "step_2_token", Type: "text"},
	}}
	assert.True(t, IsMultiStep(wizard))

	twoSubmits := crawl.Form{Fields: []crawl.FormField{
		{Name: "q", Type: "text"},
		{ID: "back", Type: "submit"},
		{ID: "next", Type: "submit"},
	}}
	assert.True(t, IsMultiStep(twoSubmits))

	plain := crawl.Form{Fields: []crawl.FormField{{Name: "q", Type: "text"}, {Type: "submit"}}}
	assert.False(t, IsMultiStep(plain))
}
