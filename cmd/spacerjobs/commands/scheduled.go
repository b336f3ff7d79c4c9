package commands

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/spacerjobs/display"
	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/pulse/jobs"
	"github.com/teranos/spacerjobs/pulse/schedule"
	"github.com/teranos/spacerjobs/pulse/stats"
	"github.com/teranos/spacerjobs/sym"
)

// RunScheduledCmd runs due jobs inline, without workers
var RunScheduledCmd = &cobra.Command{
	Use:   "run-scheduled",
	Short: sym.Pulse + " Run due jobs once in this process",
	Long: sym.Pulse + ` Run the scheduler sweep in this process.

Due jobs run one after another. With --until-empty the sweep repeats
until no job is due, including jobs scheduled by the jobs that ran.

Examples:
  spacerjobs run-scheduled
  spacerjobs run-scheduled --until-empty`,
	RunE: func(cmd *cobra.Command, args []string) error {
		untilEmpty, _ := cmd.Flags().GetBool("until-empty")
		return withApp(cmd, func(a *app) error {
			return runScheduled(cmd.Context(), cmd.OutOrStdout(), a.scheduler, untilEmpty)
		})
	},
}

// StatsCmd reports completed counts and turnaround of background jobs
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: sym.Pulse + " Show recent background job throughput and turnaround",
	Long: sym.Pulse + ` Show how many background-queue jobs completed per time
slice, and the 90th percentile time from scheduled start to completion.

Spans of 6 days or more are sliced per day, shorter spans per hour.
--span-end is ISO 8601; without a zone it is read as UTC.

Examples:
  spacerjobs stats
  spacerjobs stats --span-days 2 --span-end 2024-03-10T12:00`,
	RunE: func(cmd *cobra.Command, args []string) error {
		spanDays, _ := cmd.Flags().GetInt("span-days")
		spanEndArg, _ := cmd.Flags().GetString("span-end")
		return withApp(cmd, func(a *app) error {
			spanEnd := a.manager.Now()
			if spanEndArg != "" {
				t, err := parseSpanEnd(spanEndArg)
				if err != nil {
					return err
				}
				spanEnd = t
			}
			names := a.registry.NamesByQueue()[jobs.QueueBackground]
			report, err := stats.Recent(cmd.Context(), a.store, names, spanEnd, spanDays)
			if err != nil {
				return err
			}
			if display.ShouldOutputJSON(cmd) {
				return display.WriteJSON(cmd.OutOrStdout(), reportJSON(report))
			}
			return printReport(cmd.OutOrStdout(), report)
		})
	},
}

func init() {
	RunScheduledCmd.Flags().Bool("until-empty", false, "Repeat until no job is due")

	StatsCmd.Flags().Int("span-days", 30, "Days to report on")
	StatsCmd.Flags().String("span-end", "", "End of the span, ISO 8601 (default now)")
	StatsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runScheduled(ctx context.Context, out io.Writer, s *schedule.Scheduler, untilEmpty bool) error {
	if untilEmpty {
		if err := s.RunScheduledJobsUntilEmpty(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s No jobs are due.\n", sym.Success)
		return nil
	}
	outcome := s.RunScheduledJobs(ctx)
	if outcome.Kind != jobs.OutcomeOk {
		return errors.Newf("%s: %s", outcome.Kind, outcome.Message)
	}
	fmt.Fprintf(out, "%s %s\n", sym.Success, outcome.Message)
	return nil
}

var spanEndLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

// parseSpanEnd reads an ISO 8601 datetime. Zone-less values are UTC.
func parseSpanEnd(s string) (time.Time, error) {
	for _, layout := range spanEndLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("invalid --span-end %q, want ISO 8601 such as 2024-03-10T12:00", s)
}

func printReport(out io.Writer, r *stats.Report) error {
	unit := "hour"
	if r.Step >= stats.Day {
		unit = "day"
	}
	fmt.Fprintf(out, "%s Background jobs completed %s to %s, per %s\n\n", sym.Pulse,
		r.SpanStart.Format(time.DateTime), r.SpanEnd.Format(time.DateTime), unit)

	data := pterm.TableData{{"SLICE", "COMPLETED", "TURNAROUND P90"}}
	for _, s := range r.Slices {
		turnaround := "-"
		if s.Completed > 0 {
			turnaround = s.Turnaround90.Round(time.Second).String()
		}
		data = append(data, []string{r.Label(s), strconv.Itoa(s.Completed), turnaround})
	}
	if err := renderTable(out, data); err != nil {
		return err
	}
	fmt.Fprintf(out, "Total completed: %d\n", r.Completed)
	return nil
}

type sliceJSON struct {
	Start               time.Time `json:"start"`
	Completed           int       `json:"completed"`
	TurnaroundP90Second float64   `json:"turnaround_p90_seconds"`
}

func reportJSON(r *stats.Report) map[string]any {
	slices := make([]sliceJSON, len(r.Slices))
	for i, s := range r.Slices {
		slices[i] = sliceJSON{Start: s.Start, Completed: s.Completed, TurnaroundP90Second: s.Turnaround90.Seconds()}
	}
	return map[string]any{
		"span_start":   r.SpanStart,
		"span_end":     r.SpanEnd,
		"step_seconds": r.Step.Seconds(),
		"completed":    r.Completed,
		"slices":       slices,
	}
}
