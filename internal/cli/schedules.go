package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// scheduleFile is the document read by "schedules apply".
type scheduleFile struct {
	Schedules []core.ScheduleInput `yaml:"schedules"`
}

// parseScheduleFile decodes a schedules document, rejecting unknown keys and
// duplicate names.
func parseScheduleFile(r io.Reader) ([]core.ScheduleInput, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc scheduleFile
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parse schedules: %w", err)
	}

	seen := make(map[string]bool, len(doc.Schedules))
	for i, in := range doc.Schedules {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return nil, fmt.Errorf("schedule %d: name is required", i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("schedule %q is declared twice", name)
		}
		seen[name] = true
	}
	return doc.Schedules, nil
}

func newSchedulesCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedules",
		Aliases: []string{"schedule"},
		Short:   "Manage scheduled exports",
	}
	cmd.AddCommand(
		newScheduleApplyCmd(s),
		newScheduleListCmd(s),
		newScheduleNextCmd(s),
		newScheduleRunDueCmd(s),
	)
	return cmd
}

func newScheduleApplyCmd(s *session) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply -f schedules.yaml",
		Short: "Create or update scheduled exports from a YAML file",
		Long: `Create or update scheduled exports declared in a YAML file. Schedules are
matched by name: existing ones are updated in place, new ones are created.
Schedules missing from the file are left alone.

Example file:
  schedules:
    - name: nightly stock
      module: stock_items
      schedule: daily
      recipients: [ops@example.com]
      columns: [code, name, quantity]
      filters:
        - {field: quantity, operator: lt, value: "10"}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open schedules file: %w", err)
				}
				defer f.Close()
				r = f
			}
			inputs, err := parseScheduleFile(r)
			if err != nil {
				return err
			}

			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			existing, err := a.Service.ListScheduledExports(cmd.Context(), false)
			if err != nil {
				return describe(err)
			}
			byName := make(map[string]string, len(existing))
			for _, sched := range existing {
				byName[sched.Name] = sched.ID
			}

			out := cmd.OutOrStdout()
			for _, in := range inputs {
				name := strings.TrimSpace(in.Name)
				if id, ok := byName[name]; ok {
					sched, err := a.Service.UpdateScheduledExport(cmd.Context(), id, in)
					if err != nil {
						return fmt.Errorf("update %q: %w", name, describe(err))
					}
					fmt.Fprintf(out, "updated %s (%s) next run %s\n", sched.Name, sched.ID, formatNext(sched.NextRunAt))
					continue
				}
				sched, err := a.Service.CreateScheduledExport(cmd.Context(), in, "bulkctl")
				if err != nil {
					return fmt.Errorf("create %q: %w", name, describe(err))
				}
				fmt.Fprintf(out, "created %s (%s) next run %s\n", sched.Name, sched.ID, formatNext(sched.NextRunAt))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", `schedules file, or "-" for stdin (required)`)
	cmd.MarkFlagRequired("file")
	return cmd
}

func newScheduleListCmd(s *session) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			list, err := a.Service.ListScheduledExports(cmd.Context(), activeOnly)
			if err != nil {
				return describe(err)
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No scheduled exports found.")
				return nil
			}
			for _, sched := range list {
				state := "active"
				if !sched.IsActive {
					state = "paused"
				}
				fmt.Fprintf(out, "- %s [%s] %q %s, next %s\n", sched.Name, sched.Module, sched.Schedule, state, formatNext(sched.NextRunAt))
				if s.verbose {
					fmt.Fprintf(out, "  id: %s\n  recipients: %s\n", sched.ID, strings.Join(sched.Recipients, ", "))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active schedules")
	return cmd
}

func newScheduleNextCmd(s *session) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "next <expression>",
		Short: "Preview the next fire times of a cron expression or preset",
		Long: `Preview the next fire times of a five-field cron expression or one of the
presets daily, weekly and monthly, in SCHEDULER_TIMEZONE.

Examples:
  bulkctl schedules next weekly
  bulkctl schedules next "30 6 * * 1-5" -n 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(s.cfg.Scheduler.Timezone)
			if err != nil {
				return err
			}
			runs, err := core.NextRuns(args[0], time.Now(), loc, n)
			if err != nil {
				return describe(err)
			}
			out := cmd.OutOrStdout()
			for _, t := range runs {
				fmt.Fprintln(out, t.In(loc).Format("Mon 2006-01-02 15:04 MST"))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 5, "number of fire times")
	return cmd
}

func newScheduleRunDueCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "run-due",
		Short: "Run every due scheduled export once and exit",
		Long: `Run every scheduled export whose next run time has passed, wait for the
runs to finish, then exit. Useful where the server runs with
SCHEDULER_ENABLED=false and an external cron drives deliveries.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			sched := a.NewScheduler()
			started, err := sched.Tick(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			sched.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "Ran %d scheduled export(s)\n", started)
			return nil
		},
	}
}

func formatNext(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
