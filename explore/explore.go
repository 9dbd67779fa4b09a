// Package explore implements the optional URL exploration phase: it drives
// a live browser across the given URLs, extracts detailed form structure,
// samples link clicks to surface script-driven navigation, and persists the
// discovered screens, actions and tasks tagged with their extraction
// method.
package explore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"opskb/browser"
	"opskb/crawl"
	"opskb/knowledge"
	"opskb/store"
	"opskb/telemetry"
)

// URLBatchSize bounds how many URLs explore concurrently.
const URLBatchSize = 3

// maxLinkSamples caps the link clicks sampled per URL to catch navigation
// that only happens in script.
const maxLinkSamples = 3

// extractionMethod tags every entity this phase persists.
const extractionMethod = "form_exploration"

// Credentials optionally log the browser in before exploring.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Options configures one exploration run.
type Options struct {
	URLs        []string
	Credentials *Credentials
	MaxPages    int
	MaxDepth    int
	// ExtractedFrom records which kind of source surfaced the explored
	// URLs ("documentation" or "video"); defaults to "documentation".
	ExtractedFrom string
}

func (o Options) extractedFrom() string {
	if o.ExtractedFrom == "" {
		return "documentation"
	}
	return o.ExtractedFrom
}

// Result aggregates counts across all explored URLs.
type Result struct {
	URLsExplored   int      `json:"urls_explored"`
	PagesVisited   int      `json:"pages_visited"`
	ScreensCreated int      `json:"screens_created"`
	ActionsCreated int      `json:"actions_created"`
	TasksCreated   int      `json:"tasks_created"`
	Errors         []string `json:"errors,omitempty"`
}

// DriverFactory opens a fresh browser session. Each explored URL gets its
// own session so login state never leaks between sites.
type DriverFactory func(ctx context.Context) (browser.Driver, error)

// Explorer runs the exploration phase.
type Explorer struct {
	newDriver DriverFactory
	store     store.Store
	lg        telemetry.Logger
}

// New returns an Explorer.
func New(factory DriverFactory, st store.Store, lg telemetry.Logger) (*Explorer, error) {
	if factory == nil {
		return nil, fmt.Errorf("driver factory is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &Explorer{newDriver: factory, store: st, lg: lg}, nil
}

// Explore walks the URLs in batches of URLBatchSize. URLs within a batch run
// concurrently; a failing URL is reported in the result and does not stop
// the others.
func (e *Explorer) Explore(ctx context.Context, opts Options, websiteID, knowledgeID, jobID string) (*Result, error) {
	agg := &Result{}
	for start := 0; start < len(opts.URLs); start += URLBatchSize {
		end := start + URLBatchSize
		if end > len(opts.URLs) {
			end = len(opts.URLs)
		}
		batch := opts.URLs[start:end]
		results := make([]*Result, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for i, rawURL := range batch {
			g.Go(func() error {
				res, err := e.exploreURL(gctx, rawURL, opts, websiteID, knowledgeID, jobID)
				if err != nil {
					res = &Result{Errors: []string{fmt.Sprintf("explore %s: %v", rawURL, err)}}
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return agg, err
		}
		for _, res := range results {
			agg.merge(res)
		}
		if err := ctx.Err(); err != nil {
			return agg, err
		}
	}
	return agg, nil
}

func (a *Result) merge(b *Result) {
	if b == nil {
		return
	}
	a.URLsExplored += b.URLsExplored
	a.PagesVisited += b.PagesVisited
	a.ScreensCreated += b.ScreensCreated
	a.ActionsCreated += b.ActionsCreated
	a.TasksCreated += b.TasksCreated
	a.Errors = append(a.Errors, b.Errors...)
}

func (e *Explorer) exploreURL(ctx context.Context, rawURL string, opts Options, websiteID, knowledgeID, jobID string) (*Result, error) {
	driver, err := e.newDriver(ctx)
	if err != nil {
		return nil, fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		// Close with a fresh context so the session is torn down even
		// when the exploration context is already canceled.
		if cerr := driver.Close(context.Background()); cerr != nil {
			e.lg.Warn(ctx, "close browser session", "url", rawURL, "err", cerr)
		}
	}()

	res := &Result{URLsExplored: 1}
	if opts.Credentials != nil {
		if err := login(ctx, driver, rawURL, opts.Credentials); err != nil {
			// An unreachable or unrecognized login form is worth knowing
			// about but the public pages are still explorable.
			res.Errors = append(res.Errors, fmt.Sprintf("login %s: %v", rawURL, err))
		}
	}

	crawler := crawl.New(driver, e.lg)
	crawled, err := crawler.Crawl(ctx, rawURL, crawl.Options{
		MaxPages: opts.MaxPages,
		MaxDepth: opts.MaxDepth,
		Strategy: crawl.BFS,
	})
	if err != nil && crawled == nil {
		return res, err
	}
	res.PagesVisited = len(crawled.Pages)
	if len(crawled.Pages) == 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("no pages reachable at %s", rawURL))
		return res, nil
	}

	visited := map[string]bool{}
	for _, page := range crawled.Pages {
		visited[page.URL] = true
	}
	for _, page := range crawled.Pages {
		if err := e.persistPage(ctx, page, res, opts.extractedFrom(), websiteID, knowledgeID, jobID); err != nil {
			return res, err
		}
	}
	e.sampleLinks(ctx, driver, crawled, visited, res, opts.extractedFrom(), websiteID, knowledgeID, jobID)
	return res, nil
}

// persistPage turns one crawled page into a screen, per-form fill/submit
// actions and a submit task.
func (e *Explorer) persistPage(ctx context.Context, page crawl.Page, res *Result, extractedFrom, websiteID, knowledgeID, jobID string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil
	}
	forms := crawl.ExtractAllForms(doc)

	screen := screenFromPage(page, forms, extractedFrom, websiteID)
	screens := []knowledge.Screen{screen}
	store.Stamp(&screens[0].Envelope, knowledgeID, jobID, nowUTC())
	if _, err := e.store.SaveScreens(ctx, screens); err != nil {
		return fmt.Errorf("save screen: %w", err)
	}
	res.ScreensCreated++
	screenID := screens[0].EntityID

	var actions []knowledge.Action
	var tasks []knowledge.Task
	for _, form := range forms {
		formActions := actionsFromForm(page, form, screen.Name, extractedFrom, websiteID)
		actions = append(actions, formActions...)
		if task, ok := taskFromForm(page, form, screen.Name, extractedFrom, websiteID); ok {
			tasks = append(tasks, task)
		}
	}
	for i := range actions {
		actions[i].ScreenIDs = []string{screenID}
		store.Stamp(&actions[i].Envelope, knowledgeID, jobID, nowUTC())
	}
	for i := range tasks {
		tasks[i].ScreenIDs = []string{screenID}
		store.Stamp(&tasks[i].Envelope, knowledgeID, jobID, nowUTC())
	}
	if len(actions) > 0 {
		if _, err := e.store.SaveActions(ctx, actions); err != nil {
			return fmt.Errorf("save actions: %w", err)
		}
		res.ActionsCreated += len(actions)
	}
	if len(tasks) > 0 {
		if _, err := e.store.SaveTasks(ctx, tasks); err != nil {
			return fmt.Errorf("save tasks: %w", err)
		}
		res.TasksCreated += len(tasks)
	}
	return nil
}

// sampleLinks clicks through up to maxLinkSamples unvisited internal links
// from the crawl to surface navigation the static link graph missed. New
// destinations are persisted as screens.
func (e *Explorer) sampleLinks(ctx context.Context, driver browser.Driver, crawled *crawl.Result, visited map[string]bool, res *Result, extractedFrom, websiteID, knowledgeID, jobID string) {
	sampled := 0
	for _, page := range crawled.Pages {
		for _, link := range page.Links {
			if sampled >= maxLinkSamples {
				return
			}
			if !link.Internal || visited[link.URL] || SkipLink(link.URL) {
				continue
			}
			visited[link.URL] = true
			sampled++
			if err := driver.Navigate(ctx, link.URL); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("sample %s: %v", link.URL, err))
				continue
			}
			landed, err := driver.CurrentURL(ctx)
			if err != nil || landed == "" {
				landed = link.URL
			}
			screen := knowledge.Screen{
				Envelope: knowledge.Envelope{
					WebsiteID: websiteID,
					Metadata: map[string]string{
						"extraction_method": extractionMethod,
						"extracted_from":    extractedFrom,
						"sampled_from":      page.URL,
					},
				},
				Name:         linkScreenName(link),
				URLPatterns:  []string{landed},
				ContentType:  knowledge.ContentWebUI,
				IsActionable: true,
			}
			screens := []knowledge.Screen{screen}
			store.Stamp(&screens[0].Envelope, knowledgeID, jobID, nowUTC())
			if _, err := e.store.SaveScreens(ctx, screens); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("sample %s: %v", link.URL, err))
				continue
			}
			res.ScreensCreated++
		}
	}
}

// SkipLink reports whether a link is excluded from exploration: login and
// logout endpoints, share links, mail/tel schemes and file downloads.
func SkipLink(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") || strings.HasPrefix(lower, "file:") {
		return true
	}
	for _, marker := range []string{"login", "logout", "signin", "sign-in", "signout", "sign-out", "share", "sharer"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	for _, ext := range []string{".pdf", ".zip", ".tar", ".gz", ".dmg", ".exe", ".csv", ".xlsx"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func linkScreenName(link crawl.Link) string {
	if t := strings.TrimSpace(link.Text); t != "" {
		return t
	}
	return link.URL
}

func nowUTC() time.Time { return time.Now().UTC() }
