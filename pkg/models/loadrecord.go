package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Source data contract: one grid-load measurement as delivered by the
// upstream feed. Schema conformance is the ingest executor's
// responsibility; the orchestrator only derives partition boundaries from
// Timestamp.
type LoadRecord struct {
	Timestamp time.Time `json:"timestamp" validate:"required"`
	LoadMW    float64   `json:"load_mw"   validate:"required,gt=0"`
	Region    string    `json:"region"    validate:"required"`
}

// ErrFutureTimestamp flags measurements stamped after ingestion time.
var ErrFutureTimestamp = errors.New("timestamp cannot be in the future")

// Validate enforces the contract: positive load, non-empty region and no
// measurements from the future.
func (r *LoadRecord) Validate(v *validator.Validate, now time.Time) error {
	err := v.Struct(r)
	if err != nil {
		return fmt.Errorf("load record validation failed: %w", err)
	}

	if r.Timestamp.After(now) {
		return fmt.Errorf("%w: now %s, got %s", ErrFutureTimestamp,
			now.UTC().Format(time.RFC3339), r.Timestamp.UTC().Format(time.RFC3339))
	}

	return nil
}

// LoadBatch groups the validated records of one partition on their way
// through the pipeline stages.
type LoadBatch struct {
	BatchID     string       `json:"batch_id"`
	Partition   Partition    `json:"partition"`
	Records     []LoadRecord `json:"records"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}

// MarkProcessed stamps the batch once a stage has finished with it.
func (b *LoadBatch) MarkProcessed(now time.Time) {
	t := now.UTC()
	b.ProcessedAt = &t
}

// BatchStatistics summarizes the load values of a batch, used in the
// silver-layer manifest and in log lines.
type BatchStatistics struct {
	Count   int     `json:"count"`
	AvgLoad float64 `json:"avg_load"`
	MinLoad float64 `json:"min_load"`
	MaxLoad float64 `json:"max_load"`
}

// Statistics computes count, average, minimum and maximum load across the
// batch. An empty batch yields zeroed statistics.
func (b *LoadBatch) Statistics() BatchStatistics {
	if len(b.Records) == 0 {
		return BatchStatistics{}
	}

	stats := BatchStatistics{
		Count:   len(b.Records),
		MinLoad: b.Records[0].LoadMW,
		MaxLoad: b.Records[0].LoadMW,
	}

	var sum float64

	for _, record := range b.Records {
		sum += record.LoadMW
		if record.LoadMW < stats.MinLoad {
			stats.MinLoad = record.LoadMW
		}

		if record.LoadMW > stats.MaxLoad {
			stats.MaxLoad = record.LoadMW
		}
	}

	stats.AvgLoad = sum / float64(stats.Count)

	return stats
}
