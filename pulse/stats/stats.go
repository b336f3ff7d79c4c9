// Package stats summarizes recent job activity: completed counts and
// turnaround times per time slice.
package stats

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/pulse/async"
)

const (
	Hour = time.Hour
	Day  = 24 * time.Hour

	// DaySliceThreshold is the shortest span, in days, reported per day
	// rather than per hour.
	DaySliceThreshold = 6
)

// Slice is one time slice of a report.
type Slice struct {
	Start     time.Time
	Completed int
	// Turnaround90 is the 90th percentile of the time from scheduled start
	// to completion, over jobs completed in the slice.
	Turnaround90 time.Duration
}

// Report covers [SpanStart, SpanEnd) in slices of Step.
type Report struct {
	SpanStart time.Time
	SpanEnd   time.Time
	Step      time.Duration
	Slices    []Slice
	Completed int
}

// StepFor returns the slice length for a span of spanDays.
func StepFor(spanDays int) time.Duration {
	if spanDays >= DaySliceThreshold {
		return Day
	}
	return Hour
}

// Recent reports on jobs named one of names that completed in the
// spanDays before spanEnd.
func Recent(ctx context.Context, store *async.Store, names []string, spanEnd time.Time, spanDays int) (*Report, error) {
	if spanDays <= 0 {
		return nil, errors.Newf("span must be at least one day, got %d", spanDays)
	}
	spanEnd = spanEnd.UTC()
	spanStart := spanEnd.Add(-time.Duration(spanDays) * Day)

	completed, err := store.RecentCompleted(ctx, names, spanStart, spanEnd)
	if err != nil {
		return nil, err
	}
	return Build(completed, spanStart, spanEnd, StepFor(spanDays)), nil
}

// Build slices completed jobs by modify date. The first slice starts at
// spanStart truncated to step in UTC; slices with no jobs are kept with
// zero values.
func Build(completed []*async.Job, spanStart, spanEnd time.Time, step time.Duration) *Report {
	first := spanStart.UTC().Truncate(step)
	r := &Report{SpanStart: spanStart, SpanEnd: spanEnd, Step: step}
	for t := first; t.Before(spanEnd); t = t.Add(step) {
		r.Slices = append(r.Slices, Slice{Start: t})
	}

	turnarounds := make([][]time.Duration, len(r.Slices))
	for _, job := range completed {
		i := int(job.ModifyDate.Sub(first) / step)
		if i < 0 || i >= len(r.Slices) {
			continue
		}
		r.Slices[i].Completed++
		r.Completed++
		if job.ScheduledStartDate != nil {
			turnarounds[i] = append(turnarounds[i], job.ModifyDate.Sub(*job.ScheduledStartDate))
		}
	}
	for i, ds := range turnarounds {
		r.Slices[i].Turnaround90 = Percentile(ds, 0.9)
	}
	return r
}

// Percentile interpolates linearly between the closest ranks, like
// PERCENTILE_CONT. Empty input gives 0.
func Percentile(ds []time.Duration, p float64) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + time.Duration(math.Round(frac*float64(sorted[lo+1]-sorted[lo])))
}

// Label formats a slice start the way the report's granularity reads.
func (r *Report) Label(s Slice) string {
	if r.Step >= Day {
		return s.Start.Format("2006-01-02 xx:xx")
	}
	return s.Start.Format("2006-01-02 15:xx")
}
