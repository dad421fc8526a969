// Package registry tracks the available source implementations. Sources
// register a factory from an init function; the CLI looks them up by key.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/trawler-io/trawler/pkg/config"
	"github.com/trawler-io/trawler/pkg/connector/core"
	"github.com/trawler-io/trawler/pkg/errors"
	"github.com/trawler-io/trawler/pkg/logger"
)

// SourceFactory builds a configured source instance. Factories read only
// their own section of the settings.
type SourceFactory func(settings *config.Settings) (core.Source, error)

// SourceInfo describes a registered source for the list command.
type SourceInfo struct {
	Key         string   `json:"key"`
	Description string   `json:"description"`
	Scopes      string   `json:"scopes"`
	Tables      []string `json:"tables"`
}

// Registry manages source registration and instantiation.
type Registry struct {
	sources map[string]SourceFactory
	infos   map[string]*SourceInfo
	mu      sync.RWMutex
	logger  *zap.Logger
}

// Global registry instance; sources register themselves here from init.
var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		infos:   make(map[string]*SourceInfo),
		logger:  logger.Get().With(zap.String("component", "source_registry")),
	}
}

// RegisterSource registers a source factory under a key.
func (r *Registry) RegisterSource(name string, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source %s already registered", name))
	}

	r.sources[name] = factory
	r.logger.Debug("source registered", zap.String("name", name))
	return nil
}

// RegisterInfo attaches descriptive metadata to a registered source.
func (r *Registry) RegisterInfo(info *SourceInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.infos[info.Key]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source info %s already registered", info.Key))
	}

	r.infos[info.Key] = info
	return nil
}

// CreateSource instantiates a registered source.
func (r *Registry) CreateSource(name string, settings *config.Settings) (core.Source, error) {
	r.mu.RLock()
	factory, exists := r.sources[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown source %s (known: %v)", name, r.ListSources()))
	}

	source, err := factory(settings)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create source %s", name))
	}

	return source, nil
}

// ListSources returns the registered source keys, sorted.
func (r *Registry) ListSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]string, 0, len(r.sources))
	for name := range r.sources {
		sources = append(sources, name)
	}
	sort.Strings(sources)
	return sources
}

// HasSource checks whether a source key is registered.
func (r *Registry) HasSource(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sources[name]
	return exists
}

// Info returns the metadata registered for a source key, if any.
func (r *Registry) Info(name string) (*SourceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[name]
	return info, ok
}

// Clear removes all registered sources (mainly for testing).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sources = make(map[string]SourceFactory)
	r.infos = make(map[string]*SourceInfo)
}

// Global registry functions

// RegisterSource registers a source factory in the global registry.
func RegisterSource(name string, factory SourceFactory) error {
	return globalRegistry.RegisterSource(name, factory)
}

// RegisterInfo registers source metadata in the global registry.
func RegisterInfo(info *SourceInfo) error {
	return globalRegistry.RegisterInfo(info)
}

// CreateSource instantiates a source from the global registry.
func CreateSource(name string, settings *config.Settings) (core.Source, error) {
	return globalRegistry.CreateSource(name, settings)
}

// ListSources returns registered source keys from the global registry.
func ListSources() []string {
	return globalRegistry.ListSources()
}

// HasSource checks the global registry for a source key.
func HasSource(name string) bool {
	return globalRegistry.HasSource(name)
}

// Info returns source metadata from the global registry.
func Info(name string) (*SourceInfo, bool) {
	return globalRegistry.Info(name)
}
