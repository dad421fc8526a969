// Package trawler is an incremental crawler for public-records sources.
//
// Trawler fetches entries from slow municipal and state systems, flattens
// them into relational tables and appends them to parquet files on local
// disk. Runs are rate limited, checkpointed and resumable, so a crawl that
// takes days can be interrupted and picked up again without losing work or
// re-fetching what it already has.
//
// # Model
//
// Every source divides its data the same way:
//
//   - A scope is one crawlable universe with a base URL: a municipality's
//     assessment database, or a statewide open-data portal.
//   - An entry is the unit of fetching within a scope: one parcel id, or
//     one whole dataset.
//   - A payload is the parsed result of fetching one entry, which the
//     source flattens into named tables of rows.
//
// The engine does not know what an entry means. It enumerates ids through
// the source, fetches them through a worker pool, and hands the flattened
// rows to storage. Each row is hashed on write; a row whose hash was seen
// before in the same scope and table is dropped, so re-crawling is cheap
// and the stored data is an append-only history of observed changes.
//
// # Layout
//
// All state lives under a single data directory:
//
//	data/
//	  avonct/                     one directory per scope
//	    properties/               one directory per table
//	      properties_1700000000.parquet
//	    buildings/
//	  ct_data/
//	    businesses/
//	  _meta/
//	    assessor_sites.json       shared site directory
//	  _checkpoints/
//	    avonct.json               resume state per scope
//
// # Usage
//
// The trawler binary drives everything:
//
//	trawler admin assessor fetch-sites     # discover crawlable sites
//	trawler load assessor avonct           # full crawl of one town
//	trawler refresh assessor avonct        # re-fetch known parcels
//	trawler refresh-all assessor           # refresh every stored town
//	trawler load ct_data                   # pull the statewide registry
//
// # Packages
//
//   - internal/engine: the crawl loop; workers, rate limiting, retries,
//     checkpointing and run summaries.
//   - pkg/connector: the source contract and the built-in sources.
//   - pkg/storage: the parquet writer, reader and catalog.
//   - pkg/checkpoint: atomic persistence of run progress.
//   - pkg/rowhash: deterministic row hashing for change detection.
//
// New sources implement core.Source, register themselves in an init
// function and are immediately usable from the CLI. See pkg/connector for
// the contract.
package trawler
