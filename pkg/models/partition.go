// Package models defines the core domain models for partitioned pipeline orchestration.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PartitionLayout is the canonical rendering of a partition key in file
// paths, APIs and log lines: UTC, hour precision.
const PartitionLayout = "2006-01-02T15"

// ErrInvalidPartition is returned when a partition key cannot be parsed.
var ErrInvalidPartition = errors.New("invalid partition key")

// Partition is one unit of logical time processed independently by each
// task. Keys are hour-aligned UTC timestamps; once emitted by the clock a
// key is immutable. Partitions are totally ordered by their instant.
type Partition struct {
	key time.Time
}

// NewPartition builds a partition key from an instant, truncating to the
// containing hour in UTC.
func NewPartition(t time.Time) Partition {
	return Partition{key: t.UTC().Truncate(time.Hour)}
}

// ParsePartition parses the canonical "2006-01-02T15" rendering.
func ParsePartition(s string) (Partition, error) {
	t, err := time.ParseInLocation(PartitionLayout, s, time.UTC)
	if err != nil {
		return Partition{}, fmt.Errorf("%w: %q", ErrInvalidPartition, s)
	}

	return Partition{key: t}, nil
}

// String renders the canonical key.
func (p Partition) String() string {
	return p.key.Format(PartitionLayout)
}

// Time returns the start instant of the partition window.
func (p Partition) Time() time.Time {
	return p.key
}

// Before reports whether p is strictly earlier than other.
func (p Partition) Before(other Partition) bool {
	return p.key.Before(other.key)
}

// Equal reports whether two partition keys name the same window.
func (p Partition) Equal(other Partition) bool {
	return p.key.Equal(other.key)
}

// IsZero reports whether the partition is the zero value, used for
// "no watermark yet" checks.
func (p Partition) IsZero() bool {
	return p.key.IsZero()
}

// Contains reports whether an instant falls inside this partition's hour
// window. Partition boundaries are derived from record timestamps, so the
// ingest stage uses this to assign records to partitions.
func (p Partition) Contains(t time.Time) bool {
	u := t.UTC()

	return !u.Before(p.key) && u.Before(p.key.Add(time.Hour))
}

// MarshalText implements encoding.TextMarshaler so partitions can be used
// as JSON object keys and in query strings.
func (p Partition) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Partition) UnmarshalText(data []byte) error {
	parsed, err := ParsePartition(string(data))
	if err != nil {
		return err
	}

	*p = parsed

	return nil
}

// PartitionRange is an inclusive range [Start, End] of partition keys,
// used by status queries and backfill requests.
type PartitionRange struct {
	Start Partition `json:"start"`
	End   Partition `json:"end"`
}

// NewPartitionRange validates Start <= End.
func NewPartitionRange(start, end Partition) (PartitionRange, error) {
	if end.Before(start) {
		return PartitionRange{}, fmt.Errorf("%w: range end %s before start %s", ErrInvalidPartition, end, start)
	}

	return PartitionRange{Start: start, End: end}, nil
}

// ParsePartitionRange parses an inclusive "start..end" rendering; a single
// partition key names the one-partition range.
func ParsePartitionRange(s string) (PartitionRange, error) {
	startKey, endKey, found := strings.Cut(s, "..")
	if !found {
		endKey = startKey
	}

	start, err := ParsePartition(startKey)
	if err != nil {
		return PartitionRange{}, err
	}

	end, err := ParsePartition(endKey)
	if err != nil {
		return PartitionRange{}, err
	}

	return NewPartitionRange(start, end)
}

// Contains reports whether p falls inside the range.
func (r PartitionRange) Contains(p Partition) bool {
	return !p.Before(r.Start) && !r.End.Before(p)
}

// Partitions expands the range into its ordered member keys, one per hour.
func (r PartitionRange) Partitions() []Partition {
	var out []Partition
	for cur := r.Start; !r.End.Before(cur); cur = NewPartition(cur.Time().Add(time.Hour)) {
		out = append(out, cur)
	}

	return out
}
