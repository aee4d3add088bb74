package ingest

import (
	"errors"
	"fmt"
	"log"
)

// AdapterBuilder constructs an adapter from its source configuration.
type AdapterBuilder func(cfg SourceConfig) (SourceAdapter, error)

// ErrNoAdapters is returned when no source is configured, or every enabled
// required source is missing. Skipped optional sources do not count.
var ErrNoAdapters = errors.New("no source adapters configured")

// StrategyFactory maps strategy IDs (from the sources config) to adapter builders.
type StrategyFactory struct {
	builders map[string]AdapterBuilder
}

func NewStrategyFactory() *StrategyFactory {
	return &StrategyFactory{
		builders: make(map[string]AdapterBuilder),
	}
}

func (f *StrategyFactory) Register(id string, builder AdapterBuilder) {
	f.builders[id] = builder
}

func (f *StrategyFactory) Get(id string) (AdapterBuilder, error) {
	builder, ok := f.builders[id]
	if !ok {
		return nil, fmt.Errorf("strategy not found: %s", id)
	}
	return builder, nil
}

// Build constructs one adapter per enabled source. A source marked optional that
// fails to build is logged and skipped; any other failure aborts. When only
// optional sources were configured and all were skipped, Build returns an empty
// list so the service keeps scheduling.
func (f *StrategyFactory) Build(configs []SourceConfig) ([]SourceAdapter, error) {
	var adapters []SourceAdapter
	skipped := 0
	for _, cfg := range configs {
		if !cfg.IsEnabled() {
			log.Printf("[Registry] source=%s disabled; skipping", cfg.ID)
			continue
		}

		adapter, err := f.build(cfg)
		if err != nil {
			if cfg.Optional {
				log.Printf("[Registry] source=%s optional and unavailable; skipping: %v", cfg.ID, err)
				skipped++
				continue
			}
			return nil, fmt.Errorf("build source %q: %w", cfg.ID, err)
		}

		log.Printf("[Registry] configured source=%s platform=%s strategy=%s", adapter.Name(), adapter.Platform(), cfg.Strategy)
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		if skipped > 0 {
			log.Printf("[Warn] no source adapters available (%d optional source(s) skipped); cycles will be empty", skipped)
			return []SourceAdapter{}, nil
		}
		return nil, ErrNoAdapters
	}
	return adapters, nil
}

func (f *StrategyFactory) build(cfg SourceConfig) (SourceAdapter, error) {
	if cfg.ID == "" {
		return nil, errors.New("source id is required")
	}
	builder, err := f.Get(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	return builder(cfg)
}

// Global factory instance
var GlobalStrategyFactory = NewStrategyFactory()

func init() {
	GlobalStrategyFactory.Register("twitter_v2", func(cfg SourceConfig) (SourceAdapter, error) {
		return NewTwitterAdapter(cfg)
	})
	GlobalStrategyFactory.Register("mastodon_tag", func(cfg SourceConfig) (SourceAdapter, error) {
		return NewMastodonAdapter(cfg)
	})
	GlobalStrategyFactory.Register("html_board", func(cfg SourceConfig) (SourceAdapter, error) {
		return NewHTMLBoardAdapter(cfg)
	})
}
