package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

// Archiver moves closed sessions past the retention window to cold storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archive-cron")),
		now:           time.Now,
	}
}

// Run executes a single archive run for sessions closed before now minus
// the retention window.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().AddDate(0, 0, -a.retentionDays)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	archived, err := a.blobArchiver.ArchiveSessions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving sessions before %v (%d done): %w", cutoff, archived, err)
	}

	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("sessions_archived", archived))
	return nil
}

// RunCron runs the archiver on a 5-field cron schedule
// ("minute hour day-of-month month day-of-week") until ctx is cancelled.
//
// Example: "30 3 * * *" runs at 03:30 UTC every day.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	schedule, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next, ok := schedule.next(a.now().UTC())
		if !ok {
			return fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
		}

		wait := time.Until(next)
		a.logger.DebugContext(ctx, "archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField is the set of values one field matches. star is set for "*" so
// the day-of-month / day-of-week rule can tell a restricted field apart.
type cronField struct {
	star bool
	set  map[int]bool
}

func (f cronField) matches(v int) bool {
	return f.star || f.set[v]
}

// parseCronField accepts "*", "*/n", "a", "a-b", "a-b/n" and comma lists of
// those, within [lo, hi].
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{star: true}, nil
	}

	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		rng, stepStr, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", part)
			}
			step = n
		}

		start, end := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if start, err = strconv.Atoi(a); err != nil {
				return cronField{}, fmt.Errorf("invalid range %q: %w", part, err)
			}
			if end, err = strconv.Atoi(b); err != nil {
				return cronField{}, fmt.Errorf("invalid range %q: %w", part, err)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid cron field value %q: %w", part, err)
			}
			start = v
			if !hasStep {
				end = v
			}
		}
		if start < lo || end > hi || start > end {
			return cronField{}, fmt.Errorf("value %q out of range [%d,%d]", part, lo, hi)
		}
		for v := start; v <= end; v += step {
			set[v] = true
		}
	}
	return cronField{set: set}, nil
}

type cronSchedule struct {
	minute, hour, dom, month, dow cronField
}

// matches applies the usual cron rule: when both day fields are restricted
// a time matches if either does.
func (c cronSchedule) matches(t time.Time) bool {
	if !c.minute.matches(t.Minute()) || !c.hour.matches(t.Hour()) || !c.month.matches(int(t.Month())) {
		return false
	}
	dom, dow := c.dom.matches(t.Day()), c.dow.matches(int(t.Weekday()))
	if !c.dom.star && !c.dow.star {
		return dom || dow
	}
	return dom && dow
}

// next returns the first minute strictly after `after` that matches,
// searching up to one year ahead.
func (c cronSchedule) next(after time.Time) (time.Time, bool) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matches(candidate) {
			return candidate, true
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, false
}

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	bounds := [5]struct {
		name   string
		lo, hi int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day-of-month", 1, 31},
		{"month", 1, 12},
		{"day-of-week", 0, 6},
	}
	var parsed [5]cronField
	for i, b := range bounds {
		f, err := parseCronField(fields[i], b.lo, b.hi)
		if err != nil {
			return cronSchedule{}, fmt.Errorf("parsing %s field: %w", b.name, err)
		}
		parsed[i] = f
	}
	return cronSchedule{
		minute: parsed[0],
		hour:   parsed[1],
		dom:    parsed[2],
		month:  parsed[3],
		dow:    parsed[4],
	}, nil
}
