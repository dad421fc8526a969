// Package base provides shared building blocks for source implementations:
// a BaseSource carrying the pieces every source needs and the retry policy
// applied around fetches.
//
// Sources embed BaseSource to inherit its accessors:
//
//	type MySource struct {
//	    *base.BaseSource
//	    // source-specific fields
//	}
//
//	func NewMySource(client *clients.HTTPClient) *MySource {
//	    return &MySource{
//	        BaseSource: base.NewBaseSource("mysource", client),
//	    }
//	}
package base

import (
	"github.com/trawler-io/trawler/pkg/clients"
	"github.com/trawler-io/trawler/pkg/logger"
	"go.uber.org/zap"
)

// BaseSource provides the common state of a source implementation: its key,
// a scoped logger and the shared HTTP client.
type BaseSource struct {
	key    string
	logger *zap.Logger
	client *clients.HTTPClient
}

// NewBaseSource creates the embedded base for a source with the given key.
func NewBaseSource(key string, client *clients.HTTPClient) *BaseSource {
	return &BaseSource{
		key:    key,
		client: client,
		logger: logger.Get().With(zap.String("source", key)),
	}
}

// Key returns the registry key of the source.
func (bs *BaseSource) Key() string {
	return bs.key
}

// Logger returns the source-scoped logger.
func (bs *BaseSource) Logger() *zap.Logger {
	return bs.logger
}

// Client returns the shared HTTP client.
func (bs *BaseSource) Client() *clients.HTTPClient {
	return bs.client
}
