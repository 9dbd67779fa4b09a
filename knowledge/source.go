package knowledge

import (
	"path"
	"strings"
)

// SourceType classifies an asset handed to the ingestion router.
type SourceType string

const (
	SourceVideo         SourceType = "video"
	SourceDocumentation SourceType = "documentation"
	SourceWebsite       SourceType = "website"
	// SourceWebsiteDocumentation covers sources that are neither a local
	// document, a video, nor a crawlable URL: they are treated as hosted
	// documentation fetched over HTTP.
	SourceWebsiteDocumentation SourceType = "website_documentation"
)

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".webm": {}, ".mov": {}, ".avi": {}, ".mkv": {},
}

var documentExtensions = map[string]struct{}{
	".pdf": {}, ".md": {}, ".txt": {}, ".html": {}, ".rst": {}, ".docx": {}, ".doc": {},
}

// DetectSourceType auto-detects the asset type of a URL or file path by
// extension. file:// URLs default to documentation, http(s) URLs to a
// website crawl, anything else to hosted documentation.
func DetectSourceType(urlOrPath string) SourceType {
	trimmed := strings.TrimSpace(urlOrPath)
	lower := strings.ToLower(trimmed)

	ext := path.Ext(lower)
	if idx := strings.IndexAny(ext, "?#"); idx >= 0 {
		ext = ext[:idx]
	}
	if _, ok := videoExtensions[ext]; ok {
		return SourceVideo
	}
	if _, ok := documentExtensions[ext]; ok {
		return SourceDocumentation
	}
	if strings.HasPrefix(lower, "file://") {
		return SourceDocumentation
	}
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return SourceWebsite
	}
	return SourceWebsiteDocumentation
}

// Source is one asset to ingest: a URL or local path plus a display name and
// an optional explicit type overriding auto-detection.
type Source struct {
	URL  string     `json:"url"`
	Name string     `json:"name,omitempty"`
	Type SourceType `json:"type,omitempty"`
}

// ResolvedType returns the explicit type when set, the detected type
// otherwise.
func (s Source) ResolvedType() SourceType {
	if s.Type != "" {
		return s.Type
	}
	return DetectSourceType(s.URL)
}
