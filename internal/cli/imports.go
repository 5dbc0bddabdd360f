package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/admin"
	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/spf13/cobra"
)

func newImportsCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "imports",
		Aliases: []string{"import"},
		Short:   "Run, inspect, roll back and prune import jobs",
	}
	cmd.AddCommand(
		newImportRunCmd(s),
		newImportListCmd(s),
		newImportErrorsCmd(s),
		newImportRollbackCmd(s),
		newImportPruneCmd(s),
	)
	return cmd
}

func newImportRunCmd(s *session) *cobra.Command {
	var (
		module   string
		strategy string
		params   map[string]string
	)
	cmd := &cobra.Command{
		Use:   "run <file.csv>",
		Short: "Import a CSV file and wait for the job to finish",
		Long: `Import a CSV file into a module. Columns are matched to the module's
fields by header name; the command exits non-zero when the job fails.

Examples:
  bulkctl imports run items.csv --module stock_items
  bulkctl imports run items.csv -m stock_items --strategy update --context warehouse=north`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}

			job, err := a.Service.StartImport(cmd.Context(), core.ImportRequest{
				Module:            module,
				FileName:          filepath.Base(args[0]),
				Data:              data,
				DuplicateStrategy: core.DuplicateStrategy(strategy),
				Params:            params,
				CreatedBy:         "bulkctl",
			})
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started import %s\n", job.ID)

			final, err := waitForImport(cmd.Context(), a.Service, job.ID, func(j core.ImportJob) {
				if s.verbose {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s %d/%d rows\n", j.Status, j.ProcessedRows, j.TotalRows)
				}
			})
			if err != nil {
				return err
			}
			printImport(cmd.OutOrStdout(), final)
			if final.Status != core.ImportCompleted {
				return fmt.Errorf("import %s ended %s", final.ID, final.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&module, "module", "m", "", "target module (required)")
	cmd.Flags().StringVarP(&strategy, "strategy", "s", string(core.DuplicateSkip), "duplicate strategy: skip, update or error")
	cmd.Flags().StringToStringVar(&params, "context", nil, "context parameters as key=value")
	cmd.MarkFlagRequired("module")
	return cmd
}

// waitForImport follows a running job until it reaches a terminal state.
func waitForImport(ctx context.Context, svc *core.Service, id string, progress func(core.ImportJob)) (*core.ImportJob, error) {
	updates, unsubscribe, err := svc.SubscribeImport(id)
	if err == nil {
		defer unsubscribe()
	loop:
		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					break loop
				}
				progress(snap)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	} else if !errors.Is(err, core.ErrJobNotActive) {
		return nil, err
	}

	// The last snapshot may precede the final store write.
	for {
		job, err := svc.GetImportJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func printImport(w io.Writer, j *core.ImportJob) {
	fmt.Fprintf(w, "Import %s [%s] %s\n", j.ID, j.Module, j.Status)
	fmt.Fprintf(w, "  rows: %d total, %d ok, %d skipped, %d errors\n", j.TotalRows, j.SuccessRows, j.SkippedRows, j.ErrorRows)
	if j.LastError != "" {
		fmt.Fprintf(w, "  error: %s\n", j.LastError)
	}
	if j.RolledBackAt != nil {
		fmt.Fprintf(w, "  rolled back at %s\n", j.RolledBackAt.Format(time.RFC3339))
	}
}

func newImportListCmd(s *session) *cobra.Command {
	var (
		module   string
		statuses []string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent import jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			filter := core.ImportFilter{Module: module, Limit: limit}
			for _, st := range statuses {
				filter.Statuses = append(filter.Statuses, core.ImportStatus(strings.ToUpper(st)))
			}

			jobs, err := a.Service.ListImportJobs(cmd.Context(), filter)
			if err != nil {
				return describe(err)
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No import jobs found.")
				return nil
			}
			fmt.Fprintf(out, "Imports (%d):\n\n", len(jobs))
			for _, j := range jobs {
				fmt.Fprintf(out, "- %s %s [%s] %s %d/%d ok\n",
					j.CreatedAt.Format(time.RFC3339), j.ID, j.Module, j.Status, j.SuccessRows, j.TotalRows)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&module, "module", "m", "", "filter by module")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max results")
	return cmd
}

func newImportErrorsCmd(s *session) *cobra.Command {
	var page, size int
	cmd := &cobra.Command{
		Use:   "errors <job-id>",
		Short: "Show the rows an import rejected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			p := core.Page{Number: page, Size: size}.Normalize()
			items, total, err := a.Service.ListRowErrors(cmd.Context(), args[0], p)
			if err != nil {
				return describe(err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Row errors (%d total, page %d):\n\n", total, p.Number)
			for _, e := range items {
				fmt.Fprintf(out, "row %d [%s] %s\n", e.RowNumber, e.Reason, e.Message)
				if s.verbose {
					fmt.Fprintf(out, "  values: %s\n", strings.Join(e.RawValues, ","))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 50, "page size")
	return cmd
}

func newImportRollbackCmd(s *session) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rollback <job-id>",
		Short: "Revert every change an import made",
		Long: `Revert every insert and update an import made, newest first. Rows that
were changed since the import are still reverted to their pre-import state.
Requires confirmation unless --force is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			job, err := a.Service.GetImportJob(cmd.Context(), id)
			if err != nil {
				return describe(err)
			}

			out := cmd.OutOrStdout()
			if !force {
				fmt.Fprintf(out, "About to roll back import %s (%s, %d rows written)\n", job.ID, job.Module, job.SuccessRows)
				ok, err := confirm(cmd.InOrStdin(), out)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Cancelled.")
					return nil
				}
			}

			report, err := a.Service.Rollback(cmd.Context(), id)
			if err != nil {
				return describe(err)
			}
			if report.AlreadyRolledBack {
				fmt.Fprintf(out, "Import %s was already rolled back.\n", id)
				return nil
			}
			fmt.Fprintf(out, "Reverted %d, skipped %d, failed %d\n", report.Reverted, report.Skipped, report.Failed)
			for _, f := range report.Failures {
				fmt.Fprintf(out, "  row %d (%s %s): %s\n", f.RowNumber, f.Operation, f.RecordID, f.Message)
			}
			if !report.Complete() {
				return fmt.Errorf("rollback of %s is incomplete, run it again to retry", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}

func newImportPruneCmd(s *session) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished import jobs older than a retention window",
		Long: `Delete finished import jobs, with their row errors and audit trail,
when they were last updated before the retention window. Pruned jobs can no
longer be rolled back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			p := &admin.Pruner{Jobs: a.Service}
			res, err := p.PruneImports(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d, kept %d, failed %d\n", res.Deleted, res.Kept, res.Failed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "retention window")
	return cmd
}

func confirm(in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprint(out, "\nContinue? [y/N]: ")
	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read input: %w", err)
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes", nil
}

// describe prefixes err with its user-facing code and message.
func describe(err error) error {
	m := core.MapError(err)
	return fmt.Errorf("%s: %s (%w)", m.Code, m.Message, err)
}
