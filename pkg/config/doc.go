// Package config provides the unified configuration for trawler runs.
//
// A single Settings structure carries everything a run needs, organized into
// sections:
//
//   - Crawl: workers, request rate, batch size, checkpoint interval
//   - HTTP: client timeouts, user agent, page pacing
//   - Retry: attempts and backoff shape for transient fetch failures
//   - Logging: level and encoding
//   - Metrics: optional Prometheus endpoint
//   - Sources: per-source settings (assessor id range, ct_data datasets)
//
// # Loading
//
//	cfg := config.DefaultSettings()
//	if err := config.Load("trawler.yaml", cfg); err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Environment Variable Substitution
//
// Values of the form ${VAR_NAME} are replaced from the environment before
// parsing, so secrets stay out of the file:
//
//	sources:
//	  ct_data:
//	    app_token: ${CT_APP_TOKEN}
package config
