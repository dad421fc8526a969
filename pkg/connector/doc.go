// Package connector holds the source contract and the built-in sources.
//
// A source adapts one upstream system to the crawl engine. The engine never
// talks to the network itself; everything it knows about an upstream comes
// through the core.Source interface.
//
// # Sub-packages
//
//   - core: the Source interface and the types that cross it (Scope,
//     Payload, Tables), plus the optional capabilities a source may add:
//     Enumerator for full loads, KnownLister for refreshes, ScopeLister
//     for refresh-all, PhotoFetcher for binary side downloads and Admin
//     for maintenance actions.
//
//   - base: BaseSource, the embeddable foundation every built-in source
//     starts from. It carries the source key, a named logger and the
//     shared rate-limited HTTP client.
//
//   - registry: init-time registration. Sources register a factory and a
//     description under their key; the CLI creates them by name.
//
//   - sources: the implementations. assessor crawls municipal property
//     cards parcel by parcel; ctdata pages through the Connecticut
//     business registry datasets. The sources package itself only exists
//     to pull the implementations in via blank imports.
//
// # Writing a source
//
// Implement core.Source, embed base.BaseSource for the client and logger,
// and register in init:
//
//	func init() {
//		registry.RegisterSource("demo", func(settings *config.Settings) (core.Source, error) {
//			return NewDemoSource(settings), nil
//		})
//	}
//
// Fetch must return typed errors from pkg/errors: ErrorTypeNotFound marks
// an entry as skipped rather than failed, and only retryable types
// (connection, rate limit) are attempted again. Everything else about
// retries, pacing and persistence is the engine's problem.
package connector
