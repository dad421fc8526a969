// Package core defines the contract between the crawl engine and source
// implementations. A source knows how to fetch and flatten entries from one
// upstream system; the engine owns scheduling, rate limiting, retries,
// batching, checkpointing and storage. Optional capabilities (enumeration,
// photo downloads, administrative actions) are separate interfaces the
// engine and CLI discover with type assertions.
package core

import (
	"context"

	"github.com/trawler-io/trawler/pkg/storage"
)

// Payload is the result of fetching one entry. Its shape is private to the
// source: the engine only carries payloads from Fetch to Flatten and never
// looks inside.
type Payload map[string]interface{}

// Tables maps table names to flattened rows ready for the storage writer.
type Tables map[string][]map[string]interface{}

// Scope identifies one crawlable unit of a source: a municipality for an
// assessor site, a fixed key for a statewide dataset. The scope key names
// the storage partition and the checkpoint, so it must be stable across
// runs and safe as a directory name.
type Scope struct {
	// Key is the storage and checkpoint identity of this scope.
	Key string
	// BaseURL is the upstream root requests are built from.
	BaseURL string
	// Params carries resolved source-specific knobs (id ranges, cutoff
	// dates, dataset selections) so Fetch and Entries see the same values
	// the resolve step decided on.
	Params map[string]string
}

// Param returns a scope parameter, or def when unset or empty.
func (s Scope) Param(key, def string) string {
	if s.Params == nil {
		return def
	}
	if v, ok := s.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Source is the minimal contract every source implements.
//
// Fetch reports an entry that does not exist upstream with an error of kind
// errors.ErrorTypeNotFound; the engine counts it as skipped and never
// retries it. Any other error is judged by errors.IsRetryable. Fetch must be
// safe for concurrent use: the engine calls it from many workers at once.
type Source interface {
	// Key returns the registry name of this source.
	Key() string

	// Resolve turns CLI-level inputs into a concrete Scope. scopeArg is the
	// positional scope argument (may be empty for single-scope sources),
	// baseURL is an explicit override (may be empty), and params are
	// source-specific overrides collected from flags. Resolve may consult
	// the catalog for shared metadata such as registered site directories.
	Resolve(ctx context.Context, cat *storage.Catalog, scopeArg, baseURL string, params map[string]string) (Scope, error)

	// Fetch retrieves one entry.
	Fetch(ctx context.Context, sc Scope, entryID string) (Payload, error)

	// Flatten turns a batch of payloads into per-table rows. It must be
	// deterministic and must not mutate the payloads.
	Flatten(results []Payload) (Tables, error)
}

// Enumerator is implemented by sources that can list the identifiers of a
// full load: an id range, a dataset catalog. Sources without it support only
// refresh runs.
type Enumerator interface {
	Entries(ctx context.Context, sc Scope, cat *storage.Catalog) ([]string, error)
}

// KnownLister is implemented by sources that can recover previously captured
// identifiers from storage, which is what a refresh run re-fetches.
type KnownLister interface {
	KnownEntries(ctx context.Context, sc Scope, cat *storage.Catalog) ([]string, error)
}

// PhotoItem is one downloadable image attached to an entry.
type PhotoItem struct {
	URL      string
	ScopeKey string
	EntryID  string
}

// PhotoFetcher is implemented by sources whose entries carry downloadable
// photos. Downloads are best effort: a failed download is logged and never
// fails the entry it belongs to.
type PhotoFetcher interface {
	// PhotoItems extracts downloadable items from a fetched payload. An
	// empty slice means nothing to download.
	PhotoItems(p Payload, sc Scope, entryID string) []PhotoItem

	// DownloadPhoto stores one item under dir and returns the local path.
	// An already-downloaded item returns its existing path.
	DownloadPhoto(ctx context.Context, item PhotoItem, dir string) (string, error)
}

// ScopeLister is implemented by sources that can discover every scope with
// stored data, which drives refresh-all.
type ScopeLister interface {
	ScopeKeys(cat *storage.Catalog) ([]string, error)
}

// Admin is implemented by sources with administrative actions that run
// outside a crawl, such as refreshing a site directory. args are the raw
// remaining CLI arguments after the source name.
type Admin interface {
	RunAdmin(ctx context.Context, cat *storage.Catalog, args []string) error
}
