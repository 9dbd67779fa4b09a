package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Kind identifies an entity collection in the document store.
type Kind string

const (
	KindScreen           Kind = "screens"
	KindTask             Kind = "tasks"
	KindAction           Kind = "actions"
	KindTransition       Kind = "transitions"
	KindBusinessFunction Kind = "business_functions"
	KindBusinessFeature  Kind = "business_features"
	KindWorkflow         Kind = "workflows"
	KindUserFlow         Kind = "user_flows"
	KindIngestion        Kind = "ingestion_results"
	KindDiscrepancy      Kind = "discrepancies"
)

// EntityKinds lists the extracted entity collections covered by resync
// deletion and statistics, in a stable order.
var EntityKinds = []Kind{
	KindScreen,
	KindTask,
	KindAction,
	KindTransition,
	KindBusinessFunction,
	KindBusinessFeature,
	KindWorkflow,
	KindUserFlow,
	KindIngestion,
}

// NewEntityID returns a fresh entity id with a kind-derived prefix, e.g.
// "screen-5f3a...". Workflow code must not call this directly; ids are
// minted inside activities so replay stays deterministic.
func NewEntityID(kind Kind) string {
	prefix := strings.TrimSuffix(string(kind), "s")
	return prefix + "-" + uuid.NewString()
}

// IngestionID derives the deterministic ingestion id for a source processed
// by a workflow run: the first 32 hex characters of
// SHA-256(workflow_id + ":" + source_url + ":" + job_id). The derivation is
// fixed by the external interface contract so replays and resumed runs agree.
func IngestionID(workflowID, sourceURL, jobID string) string {
	sum := sha256.Sum256([]byte(workflowID + ":" + sourceURL + ":" + jobID))
	return hex.EncodeToString(sum[:])[:32]
}

// ContentHash returns the hex SHA-256 of raw source content, used by the
// ingestion dedup check.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// WebsiteIDMixed is the website id recorded when a run spans sources from
// more than one host.
const WebsiteIDMixed = "mixed-assets"

// WebsiteIDUnknown is the website id for runs with no URL sources at all.
const WebsiteIDUnknown = "unknown"

// DeriveWebsiteID maps the run's source URLs to a stable website id: the
// single host when all URL sources agree, "mixed-assets" when they differ
// and "unknown" when no source has a host.
func DeriveWebsiteID(sourceURLs []string) string {
	host := ""
	for _, raw := range sourceURLs {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" {
			continue
		}
		h := strings.ToLower(u.Hostname())
		if host == "" {
			host = h
			continue
		}
		if host != h {
			return WebsiteIDMixed
		}
	}
	if host == "" {
		return WebsiteIDUnknown
	}
	return host
}
