// Package clock emits the ordered sequence of partition keys due for
// processing. Nothing is scheduled "at" wall-clock time; everything is
// scheduled "for" a partition key, so downtime or drift never loses
// partitions; they are simply still due on the next tick.
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wattflow/wattflow/pkg/models"
	"github.com/wattflow/wattflow/pkg/store"
)

// DefaultLookBack bounds catch-up to two days of hourly partitions when
// the pipeline does not configure its own limit.
const DefaultLookBack = 48

// Clock maps a cron cadence to due partition keys. A partition keyed by
// fire time t becomes due once the following fire time has passed, i.e.
// when its source window has closed.
type Clock struct {
	schedule cron.Schedule
	interval time.Duration
	lookBack int
	store    store.StateStore
	logger   *slog.Logger
	now      func() time.Time
}

// New parses the 5-field cron expression and builds a clock persisting its
// watermark in the given state store.
func New(scheduleExpr string, lookBack int, stateStore store.StateStore, logger *slog.Logger) (*Clock, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	schedule, err := parser.Parse(scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule %q: %w", scheduleExpr, err)
	}

	if lookBack <= 0 {
		lookBack = DefaultLookBack
	}

	next := schedule.Next(time.Now().UTC())

	return &Clock{
		schedule: schedule,
		interval: schedule.Next(next).Sub(next),
		lookBack: lookBack,
		store:    stateStore,
		logger:   logger.With("module", "partition_clock"),
		now:      time.Now,
	}, nil
}

// SetNow overrides the wall clock, for tests.
func (c *Clock) SetNow(now func() time.Time) {
	c.now = now
}

// Due returns the partitions newly due since the last call, in ascending
// order, each emitted exactly once. Catching up after downtime is the
// same code path, bounded by the look-back limit. The watermark is saved
// after emission so a restarted clock resumes where it left off.
func (c *Clock) Due(ctx context.Context) ([]models.Partition, error) {
	now := c.now().UTC()

	watermark, err := c.store.LoadWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load clock watermark: %w", err)
	}

	cursor := watermark.Time()
	if watermark.IsZero() {
		cursor = c.floor(now)
	}

	var due []models.Partition

	for {
		fire := c.schedule.Next(cursor)
		if !c.schedule.Next(fire).Before(now) && !c.schedule.Next(fire).Equal(now) {
			// The window starting at fire has not closed yet.
			break
		}

		due = append(due, models.NewPartition(fire))
		cursor = fire
	}

	// Bound catch-up storms: keep only the most recent lookBack keys.
	if len(due) > c.lookBack {
		dropped := len(due) - c.lookBack
		c.logger.WarnContext(ctx, "Look-back limit exceeded, skipping oldest partitions",
			"dropped", dropped, "look_back", c.lookBack)

		due = due[dropped:]
	}

	if len(due) == 0 {
		return nil, nil
	}

	err = c.store.SaveWatermark(ctx, due[len(due)-1])
	if err != nil {
		return nil, fmt.Errorf("failed to save clock watermark: %w", err)
	}

	c.logger.InfoContext(ctx, "Emitted due partitions",
		"count", len(due), "first", due[0].String(), "last", due[len(due)-1].String())

	return due, nil
}

// ForRange expands an explicit backfill range into partition keys without
// touching the watermark. Backfilled partitions flow through the very same
// ready-set path as newly due ones.
func (c *Clock) ForRange(partitions models.PartitionRange) []models.Partition {
	return partitions.Partitions()
}

// Matches reports whether the partition key is a fire time of the
// schedule, i.e. a partition this clock could have emitted. Rescans and
// backfills filter on this so hour-enumeration of a range never invents
// partitions a sparser cadence would skip.
func (c *Clock) Matches(p models.Partition) bool {
	t := p.Time()

	return c.schedule.Next(t.Add(-time.Second)).Equal(t)
}

// LookBack returns the configured catch-up bound in partitions.
func (c *Clock) LookBack() int {
	return c.lookBack
}

// Interval returns the duration between consecutive fire times, so
// look-back windows counted in partitions convert to time spans without
// assuming an hourly cadence.
func (c *Clock) Interval() time.Duration {
	return c.interval
}

// floor estimates where a clock with no watermark starts scanning: one
// look-back window behind now, measured in schedule intervals.
func (c *Clock) floor(now time.Time) time.Time {
	return now.Add(-time.Duration(c.lookBack+1) * c.interval)
}
