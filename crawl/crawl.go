// Package crawl walks a website through the browser driver and returns the
// serialized pages, their internal/external link classification and the
// retained forms. The crawler does not interpret page content; extraction
// happens downstream.
package crawl

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"opskb/browser"
	"opskb/telemetry"
)

// Strategy selects the queue discipline.
type Strategy string

const (
	// BFS pops from the front of the queue (FIFO).
	BFS Strategy = "bfs"
	// DFS pops from the back (LIFO).
	DFS Strategy = "dfs"
)

// Options bounds a crawl.
type Options struct {
	MaxPages int
	MaxDepth int
	Strategy Strategy
}

// Link is one anchor discovered on a page, already resolved and normalized.
type Link struct {
	URL      string `json:"url"`
	Text     string `json:"text,omitempty"`
	Internal bool   `json:"internal"`
}

// FormField describes one input of a discovered form.
type FormField struct {
	Name        string `json:"name,omitempty"`
	ID          string `json:"id,omitempty"`
	Type        string `json:"type,omitempty"`
	Label       string `json:"label,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Disabled    bool   `json:"disabled,omitempty"`
	ReadOnly    bool   `json:"readonly,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
}

// Form is a discovered HTML form.
type Form struct {
	Action string      `json:"action,omitempty"`
	Method string      `json:"method,omitempty"`
	Fields []FormField `json:"fields,omitempty"`
}

// Page is one crawled page.
type Page struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
	Title string `json:"title,omitempty"`
	HTML  string `json:"html"`
	Links []Link `json:"links,omitempty"`
	Forms []Form `json:"forms,omitempty"`
}

// Result aggregates a finished crawl.
type Result struct {
	Pages         []Page   `json:"pages"`
	ExternalLinks []string `json:"external_links,omitempty"`
	Truncated     bool     `json:"truncated,omitempty"`
}

type queueItem struct {
	url   string
	depth int
}

// Crawler drives the page walk.
type Crawler struct {
	driver browser.Driver
	lg     telemetry.Logger
}

// New returns a Crawler on the given driver.
func New(driver browser.Driver, lg telemetry.Logger) *Crawler {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &Crawler{driver: driver, lg: lg}
}

// Crawl walks the site from startURL. It halts when the queue empties, the
// page budget is spent, or ctx is cancelled; per-page navigation errors are
// logged and skipped.
func (c *Crawler) Crawl(ctx context.Context, startURL string, opts Options) (*Result, error) {
	start, err := url.Parse(strings.TrimSpace(startURL))
	if err != nil || start.Host == "" {
		return nil, fmt.Errorf("invalid start url %q", startURL)
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}
	maxDepth := opts.MaxDepth
	if maxDepth < 0 {
		maxDepth = 0
	}

	var (
		res      Result
		queue    = []queueItem{{url: normalizeURL(start), depth: 0}}
		visited  = map[string]bool{}
		external = map[string]bool{}
	)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			res.Truncated = true
			return &res, err
		}
		if len(res.Pages) >= maxPages {
			res.Truncated = true
			break
		}
		var item queueItem
		if opts.Strategy == DFS {
			item = queue[len(queue)-1]
			queue = queue[:len(queue)-1]
		} else {
			item = queue[0]
			queue = queue[1:]
		}
		if visited[item.url] {
			continue
		}
		visited[item.url] = true

		page, err := c.fetch(ctx, item, start)
		if err != nil {
			c.lg.Warn(ctx, "crawl page failed", "url", item.url, "err", err)
			continue
		}
		res.Pages = append(res.Pages, *page)

		for _, link := range page.Links {
			if !link.Internal {
				external[link.URL] = true
				continue
			}
			if item.depth+1 > maxDepth || visited[link.URL] {
				continue
			}
			queue = append(queue, queueItem{url: link.URL, depth: item.depth + 1})
		}
	}
	for u := range external {
		res.ExternalLinks = append(res.ExternalLinks, u)
	}
	return &res, nil
}

func (c *Crawler) fetch(ctx context.Context, item queueItem, start *url.URL) (*Page, error) {
	if err := c.driver.Navigate(ctx, item.url); err != nil {
		return nil, err
	}
	html, err := c.driver.HTML(ctx)
	if err != nil {
		return nil, err
	}
	current, err := c.driver.CurrentURL(ctx)
	if err != nil || current == "" {
		current = item.url
	}
	page := &Page{URL: current, Depth: item.depth, HTML: html}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return page, nil
	}
	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	page.Links = ExtractLinks(doc, start)
	page.Forms = ExtractForms(doc)
	return page, nil
}

// ExtractLinks pulls anchors out of a parsed page, resolves them against the
// start URL and classifies internal vs external by host suffix.
func ExtractLinks(doc *goquery.Document, start *url.URL) []Link {
	seen := map[string]bool{}
	var links []Link
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := start.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		normalized := normalizeURL(resolved)
		if seen[normalized] {
			return
		}
		seen[normalized] = true
		links = append(links, Link{
			URL:      normalized,
			Text:     strings.TrimSpace(sel.Text()),
			Internal: sameSite(start.Hostname(), resolved.Hostname()),
		})
	})
	return links
}

// sameSite reports whether two hosts belong to the same site: equal, or one
// is a sub/super-domain of the other by dot-boundary suffix match.
func sameSite(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return true
	}
	return strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}

// normalizeURL strips the fragment and trailing slash so the visited set
// treats page variants as one.
func normalizeURL(u *url.URL) string {
	clone := *u
	clone.Fragment = ""
	out := clone.String()
	if strings.HasSuffix(clone.Path, "/") && clone.Path != "/" {
		out = strings.TrimSuffix(out, "/")
	}
	return out
}

// ExtractForms returns the retained forms of a page: GET forms and forms
// whose every field is hidden, readonly or disabled. Mutating forms with
// live inputs are elided here; the exploration phase handles those against
// the live DOM.
func ExtractForms(doc *goquery.Document) []Form {
	var forms []Form
	doc.Find("form").Each(func(_ int, sel *goquery.Selection) {
		form := Form{
			Action: strings.TrimSpace(sel.AttrOr("action", "")),
			Method: strings.ToUpper(strings.TrimSpace(sel.AttrOr("method", "GET"))),
		}
		allInert := true
		sel.Find("input, select, textarea").Each(func(_ int, fs *goquery.Selection) {
			field := formField(fs)
			if !(field.Hidden || field.ReadOnly || field.Disabled) {
				allInert = false
			}
			form.Fields = append(form.Fields, field)
		})
		if form.Method == "GET" || allInert {
			forms = append(forms, form)
		}
	})
	return forms
}

// ExtractAllForms returns every form of a page with full field detail,
// including resolved <label for> text. The crawler's retention rules do not
// apply here; the exploration phase works against the live DOM and needs
// the mutating forms most of all.
func ExtractAllForms(doc *goquery.Document) []Form {
	var forms []Form
	doc.Find("form").Each(func(_ int, sel *goquery.Selection) {
		form := Form{
			Action: strings.TrimSpace(sel.AttrOr("action", "")),
			Method: strings.ToUpper(strings.TrimSpace(sel.AttrOr("method", "GET"))),
		}
		sel.Find("input, select, textarea").Each(func(_ int, fs *goquery.Selection) {
			field := formField(fs)
			if field.Label == "" && field.ID != "" {
				field.Label = strings.TrimSpace(doc.Find(`label[for="` + field.ID + `"]`).First().Text())
			}
			form.Fields = append(form.Fields, field)
		})
		forms = append(forms, form)
	})
	return forms
}

func formField(sel *goquery.Selection) FormField {
	_, required := sel.Attr("required")
	_, disabled := sel.Attr("disabled")
	_, readonly := sel.Attr("readonly")
	fieldType := strings.ToLower(sel.AttrOr("type", ""))
	if fieldType == "" && goquery.NodeName(sel) != "input" {
		fieldType = goquery.NodeName(sel)
	}
	return FormField{
		Name:        sel.AttrOr("name", ""),
		ID:          sel.AttrOr("id", ""),
		Type:        fieldType,
		Placeholder: sel.AttrOr("placeholder", ""),
		Required:    required,
		Disabled:    disabled,
		ReadOnly:    readonly,
		Hidden:      fieldType == "hidden",
	}
}
