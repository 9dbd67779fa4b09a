package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"opskb/knowledge"
	"opskb/match"
	"opskb/store"
	"opskb/telemetry"
)

// minScreenConfidence rejects screen candidates the rules are not sure
// about.
const minScreenConfidence = 0.3

var (
	screenCueRE = regexp.MustCompile(`(?i)\b(page|screen|dashboard|view|form|panel|modal|dialog|wizard|tab|portal|console|login|settings|profile|checkout|inbox)\b`)
	uiElementRE = regexp.MustCompile(`(?i)\b(button|field|input|link|menu|dropdown|checkbox|radio|toggle|tab|icon|table|list|form|search bar|banner|sidebar|breadcrumb)\b`)
	urlRE       = regexp.MustCompile(`https?://[^\s)\]>"']+`)
	numericSeg  = regexp.MustCompile(`/\d+(/|$)`)
)

// ScreenExtractor derives screens from chunk headings and UI-element cues
// without calling a model.
type ScreenExtractor struct {
	store store.Store
	lg    telemetry.Logger
}

// NewScreenExtractor returns the rule-based screen extractor.
func NewScreenExtractor(st store.Store, lg telemetry.Logger) *ScreenExtractor {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &ScreenExtractor{store: st, lg: lg}
}

func (e *ScreenExtractor) Name() string { return "screens" }

type screenCandidate struct {
	screen     knowledge.Screen
	confidence float64
	elements   map[string]struct{}
}

// Extract walks the chunks for screen cues, scores each candidate and
// persists the ones above the confidence floor. Negative indicators are
// computed across candidates: for screens with similar names, the elements
// unique to the sibling become this screen's negative indicators.
func (e *ScreenExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	byName := map[string]*screenCandidate{}
	var order []string

	for _, chunk := range in.Chunks {
		name := screenName(chunk)
		if name == "" {
			continue
		}
		key := match.Normalize(name)
		cand, ok := byName[key]
		if !ok {
			cand = &screenCandidate{
				screen: knowledge.Screen{
					Envelope:    knowledge.Envelope{WebsiteID: in.WebsiteID},
					Name:        name,
					ContentType: screenContentType(chunk),
				},
				elements: map[string]struct{}{},
			}
			byName[key] = cand
			order = append(order, key)
		}
		cand.observe(chunk)
	}

	var screens []knowledge.Screen
	for _, key := range order {
		cand := byName[key]
		if cand.confidence < minScreenConfidence {
			continue
		}
		cand.finish()
		screens = append(screens, cand.screen)
	}
	addNegativeIndicators(screens)
	screens = dedupeByName(screens, func(s knowledge.Screen) string { return s.Name })

	res := Result{Success: true}
	if len(screens) == 0 {
		return res, nil
	}
	for i := range screens {
		store.Stamp(&screens[i].Envelope, in.KnowledgeID, in.JobID, nowUTC())
	}
	if _, err := e.store.SaveScreens(ctx, screens); err != nil {
		return Result{}, fmt.Errorf("save screens: %w", err)
	}
	for _, s := range screens {
		res.EntityIDs = append(res.EntityIDs, s.EntityID)
	}
	return res, nil
}

// screenName picks the candidate name for a chunk: the page title or section
// heading when it carries a screen cue, the frame description for video
// analysis chunks.
func screenName(chunk knowledge.ContentChunk) string {
	switch chunk.ChunkType {
	case knowledge.ChunkWebpage, knowledge.ChunkExploration:
		if t := strings.TrimSpace(chunk.SectionTitle); t != "" {
			return t
		}
		if u := chunk.Metadata["page_url"]; u != "" {
			return u
		}
	case knowledge.ChunkVideoFrameAnalysis:
		// "Frame at 4s: Login form with username and password fields"
		if _, desc, ok := strings.Cut(chunk.Content, ": "); ok {
			first := strings.SplitN(desc, "\n", 2)[0]
			if screenCueRE.MatchString(first) {
				return strings.TrimSpace(first)
			}
		}
	default:
		title := strings.TrimSpace(chunk.SectionTitle)
		if title != "" && screenCueRE.MatchString(title) {
			return title
		}
	}
	return ""
}

func screenContentType(chunk knowledge.ContentChunk) knowledge.ContentType {
	switch chunk.ChunkType {
	case knowledge.ChunkWebpage, knowledge.ChunkExploration,
		knowledge.ChunkVideoFrameAnalysis, knowledge.ChunkVideoAction:
		return knowledge.ContentWebUI
	}
	return knowledge.ContentDocumentation
}

func (c *screenCandidate) observe(chunk knowledge.ContentChunk) {
	if c.confidence == 0 {
		c.confidence = 0.2
		if screenCueRE.MatchString(c.screen.Name) {
			c.confidence += 0.2
		}
	}
	for _, m := range uiElementRE.FindAllString(chunk.Content, -1) {
		el := strings.ToLower(m)
		if _, seen := c.elements[el]; !seen {
			c.elements[el] = struct{}{}
			c.confidence += 0.05
		}
	}
	if u := chunk.Metadata["page_url"]; u != "" {
		c.addURLPattern(u)
	}
	for _, u := range urlRE.FindAllString(chunk.Content, -1) {
		c.addURLPattern(u)
	}
	if c.confidence > 1 {
		c.confidence = 1
	}
}

func (c *screenCandidate) addURLPattern(rawURL string) {
	p := urlPattern(rawURL)
	for _, existing := range c.screen.URLPatterns {
		if existing == p {
			return
		}
	}
	c.screen.URLPatterns = append(c.screen.URLPatterns, p)
	c.confidence += 0.2
}

func (c *screenCandidate) finish() {
	for el := range c.elements {
		c.screen.UIElements = append(c.screen.UIElements, el)
	}
	sortStrings(c.screen.UIElements)
	c.screen.StateSignature.RequiredIndicators = append([]string(nil), c.screen.UIElements...)
	c.screen.IsActionable = containsAny(c.elements, "button", "form", "input", "link")
	c.screen.Confidence = c.confidence
}

// addNegativeIndicators gives near-identical screens the indicators that
// tell them apart: an element required by a similarly named sibling but
// absent here becomes a negative indicator here.
func addNegativeIndicators(screens []knowledge.Screen) {
	for i := range screens {
		mine := toSet(screens[i].StateSignature.RequiredIndicators)
		for j := range screens {
			if i == j || !match.Names(screens[i].Name, screens[j].Name) {
				continue
			}
			for _, el := range screens[j].StateSignature.RequiredIndicators {
				if _, ok := mine[el]; !ok {
					screens[i].StateSignature.NegativeIndicators =
						appendUnique(screens[i].StateSignature.NegativeIndicators, el)
				}
			}
		}
	}
}

// urlPattern turns a concrete URL into a reusable regex pattern: numeric
// path segments become \d+ wildcards, regex metacharacters are escaped.
func urlPattern(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	escaped := regexp.QuoteMeta(trimmed)
	return numericSeg.ReplaceAllStringFunc(escaped, func(seg string) string {
		if strings.HasSuffix(seg, "/") {
			return `/\d+/`
		}
		return `/\d+`
	})
}
