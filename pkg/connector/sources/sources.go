// Package sources links every built-in source into the registry. Importing
// it is all a binary needs to make the sources available by key.
package sources

import (
	// Imported for their init() registration.
	_ "github.com/trawler-io/trawler/pkg/connector/sources/assessor"
	_ "github.com/trawler-io/trawler/pkg/connector/sources/ctdata"
)
