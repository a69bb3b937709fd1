// Package indexer pulls data source content into a target index: list,
// read, crack, enrich, map, batch. One Runtime owns the status machine
// of every indexer; runs of one indexer are mutually exclusive, runs of
// distinct indexers proceed concurrently.
package indexer

import (
	"time"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/enrich"
)

// Indexer is the stored definition tying a data source to a target index.
type Indexer struct {
	Name                string         `json:"name"`
	Description         string         `json:"description,omitempty"`
	DataSourceName      string         `json:"dataSourceName"`
	SkillsetName        string         `json:"skillsetName,omitempty"`
	TargetIndexName     string         `json:"targetIndexName"`
	Schedule            *Schedule      `json:"schedule,omitempty"`
	Parameters          *Parameters    `json:"parameters,omitempty"`
	FieldMappings       []FieldMapping `json:"fieldMappings,omitempty"`
	OutputFieldMappings []FieldMapping `json:"outputFieldMappings,omitempty"`
	Disabled            bool           `json:"disabled,omitempty"`
	ETag                string         `json:"@odata.etag,omitempty"`
}

// Schedule fires the indexer on a fixed interval. StartTime anchors the
// first run; the zero time means "as soon as the scheduler sees it".
type Schedule struct {
	Interval  string    `json:"interval"`
	StartTime time.Time `json:"startTime"`
}

// IntervalDuration parses the ISO-8601 interval.
func (s *Schedule) IntervalDuration() (time.Duration, error) {
	return enrich.ParseISO8601Duration(s.Interval)
}

// Parameters tunes one run. Zero values defer to the runtime defaults.
// MaxFailedItems -1 disables the failure budget.
type Parameters struct {
	BatchSize      int    `json:"batchSize,omitempty"`
	MaxFailedItems int    `json:"maxFailedItems,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
}

// Validate checks the definition's shape. Cross-resource checks (the
// data source and target index existing, mapping targets matching the
// index schema) happen when the indexer is loaded for a run.
func (ix *Indexer) Validate() error {
	if ix.Name == "" {
		return apperr.InvalidArgument("indexer name is required")
	}
	if ix.DataSourceName == "" {
		return apperr.InvalidArgument("indexer %q: dataSourceName is required", ix.Name).WithTarget("dataSourceName")
	}
	if ix.TargetIndexName == "" {
		return apperr.InvalidArgument("indexer %q: targetIndexName is required", ix.Name).WithTarget("targetIndexName")
	}
	if s := ix.Schedule; s != nil {
		interval, err := s.IntervalDuration()
		if err != nil {
			return apperr.InvalidArgument("indexer %q: schedule: %v", ix.Name, err).WithTarget("schedule.interval")
		}
		if interval <= 0 {
			return apperr.InvalidArgument("indexer %q: schedule interval must be positive", ix.Name).WithTarget("schedule.interval")
		}
	}
	if p := ix.Parameters; p != nil {
		if p.BatchSize < 0 {
			return apperr.InvalidArgument("indexer %q: batchSize must not be negative", ix.Name).WithTarget("parameters.batchSize")
		}
		if p.MaxFailedItems < -1 {
			return apperr.InvalidArgument("indexer %q: maxFailedItems must be -1 or greater", ix.Name).WithTarget("parameters.maxFailedItems")
		}
		if p.Timeout != "" {
			if _, err := enrich.ParseISO8601Duration(p.Timeout); err != nil {
				return apperr.InvalidArgument("indexer %q: timeout: %v", ix.Name, err).WithTarget("parameters.timeout")
			}
		}
	}
	for i := range ix.FieldMappings {
		if err := ix.FieldMappings[i].validate(ix.Name, false); err != nil {
			return err
		}
	}
	for i := range ix.OutputFieldMappings {
		if err := ix.OutputFieldMappings[i].validate(ix.Name, true); err != nil {
			return err
		}
	}
	return nil
}
