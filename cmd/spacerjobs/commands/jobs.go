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
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/async"
	"github.com/teranos/spacerjobs/pulse/jobs"
	"github.com/teranos/spacerjobs/sym"
)

// JobsCmd groups job inspection commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Inspect jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsLsCmd lists jobs, newest first
var JobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	Long: `List jobs, newest first.

Status filters:
  pending      - Waiting for their scheduled start
  in_progress  - Started and not yet finished
  success      - Finished successfully
  failure      - Finished with an error

Examples:
  spacerjobs jobs ls
  spacerjobs jobs ls --status failure --limit 50
  spacerjobs jobs ls --name extract_features`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		name, _ := cmd.Flags().GetString("name")
		limit, _ := cmd.Flags().GetInt("limit")
		hidden, _ := cmd.Flags().GetBool("hidden")

		filter := async.ListFilter{Name: name, Limit: limit, IncludeHidden: hidden}
		if status != "" {
			if !async.IsValidStatus(status) {
				return errors.Newf("invalid status %q", status)
			}
			filter.Status = async.JobStatus(status)
		}
		return withApp(cmd, func(a *app) error {
			return listJobs(cmd.Context(), cmd.OutOrStdout(), a.store, filter, display.ShouldOutputJSON(cmd))
		})
	},
}

// AbortCmd fails incomplete jobs by id
var AbortCmd = &cobra.Command{
	Use:   "abort <job-id>...",
	Short: "Abort pending or in-progress jobs",
	Long: `Mark jobs as failed with the message "` + jobs.AbortMessage + `".

Jobs that already finished are left alone and reported.

Example:
  spacerjobs abort 12 13 20`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseJobIDs(args)
		if err != nil {
			return err
		}
		return withApp(cmd, func(a *app) error {
			return abortJobs(cmd.Context(), cmd.OutOrStdout(), a.manager, ids)
		})
	},
}

// ExpediteCmd moves pending jobs' scheduled start to now
var ExpediteCmd = &cobra.Command{
	Use:   "expedite <job-id>...",
	Short: "Run pending jobs at the next scheduler sweep",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseJobIDs(args)
		if err != nil {
			return err
		}
		return withApp(cmd, func(a *app) error {
			return expediteJobs(cmd.Context(), cmd.OutOrStdout(), a.manager, ids)
		})
	},
}

func init() {
	JobsLsCmd.Flags().String("status", "", "Filter by status (pending, in_progress, success, failure)")
	JobsLsCmd.Flags().String("name", "", "Filter by job name")
	JobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	JobsLsCmd.Flags().Bool("hidden", false, "Include hidden jobs")
	JobsLsCmd.Flags().Bool("json", false, "Output as JSON")

	JobsCmd.AddCommand(JobsLsCmd)
}

// withApp builds the engine for a one-shot command and closes it after.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func parseJobIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, errors.Newf("invalid job id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func abortJobs(ctx context.Context, out io.Writer, m *jobs.Manager, ids []int64) error {
	aborted := 0
	for _, id := range ids {
		err := m.AbortJob(ctx, id)
		switch {
		case err == nil:
			aborted++
		case errors.Is(err, errors.ErrConflict):
			fmt.Fprintf(out, "%s Job %d has already finished; skipped.\n", sym.Alert, id)
		case errors.IsNotFoundError(err):
			fmt.Fprintf(out, "%s Job %d doesn't exist; skipped.\n", sym.Alert, id)
		default:
			return errors.Wrapf(err, "failed to abort job %d", id)
		}
	}
	fmt.Fprintf(out, "The %d specified Job(s) have been aborted.\n", aborted)
	return nil
}

func expediteJobs(ctx context.Context, out io.Writer, m *jobs.Manager, ids []int64) error {
	for _, id := range ids {
		ok, err := m.ExpediteJob(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "failed to expedite job %d", id)
		}
		if ok {
			fmt.Fprintf(out, "Job %d has been expedited.\n", id)
		} else {
			fmt.Fprintf(out, "Job %d isn't pending; no action taken.\n", id)
		}
	}
	return nil
}

func listJobs(ctx context.Context, out io.Writer, store *async.Store, filter async.ListFilter, asJSON bool) error {
	list, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	if asJSON {
		if list == nil {
			list = []*async.Job{}
		}
		return display.WriteJSON(out, map[string]any{"jobs": list, "count": len(list)})
	}
	fmt.Fprintf(out, "%s %d job(s)\n", sym.Pulse, len(list))
	if len(list) == 0 {
		return nil
	}

	data := pterm.TableData{{"", "ID", "NAME", "ARGS", "STATUS", "ATTEMPT", "MODIFIED", "RESULT"}}
	for _, j := range list {
		data = append(data, []string{
			sym.ForStatus(string(j.Status)),
			strconv.FormatInt(j.ID, 10),
			j.Name,
			j.ArgIdentifier,
			string(j.Status),
			strconv.Itoa(j.AttemptNumber),
			j.ModifyDate.UTC().Format(time.DateTime),
			truncate(j.ResultMessage, 60),
		})
	}
	return renderTable(out, data)
}

func renderTable(out io.Writer, data pterm.TableData) error {
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	fmt.Fprintln(out, table)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
