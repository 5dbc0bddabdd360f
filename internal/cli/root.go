// Package cli provides the bulkctl command-line interface: migrations,
// file imports and rollbacks, and declarative scheduled exports.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JonMunkholm/opsbulk/internal/app"
	"github.com/JonMunkholm/opsbulk/internal/config"
	"github.com/JonMunkholm/opsbulk/internal/logging"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

// session carries state shared by every command of one invocation.
type session struct {
	loadConfig func() (*config.Config, error)
	verbose    bool
	cfg        *config.Config
	app        *app.App
}

// open builds the engine on first use. Commands that only need the
// configuration never connect to a backend.
func (s *session) open(ctx context.Context) (*app.App, error) {
	if s.app != nil {
		return s.app, nil
	}
	a, err := app.Build(ctx, s.cfg)
	if err != nil {
		return nil, err
	}
	s.app = a
	return a, nil
}

func (s *session) close() {
	if s.app == nil {
		return
	}
	s.app.Service.Shutdown(context.Background())
	s.app.Close()
	s.app = nil
}

// NewRootCmd builds the command tree. Configuration is read from the
// environment, as for the server.
func NewRootCmd() *cobra.Command {
	return newRootCmd(config.Load)
}

func newRootCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	s := &session{loadConfig: loadConfig}

	root := &cobra.Command{
		Use:   "bulkctl",
		Short: "Operate the bulk import and export engine",
		Long: `bulkctl runs maintenance tasks against the same store the server uses.

It reads the server's environment variables (DATABASE_URL, STORE_DRIVER,
ARTIFACT_DIR, ...), so run it with the same configuration.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for version and help commands
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			cfg, err := s.loadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			level := "warn"
			if s.verbose {
				level = "debug"
			}
			logger, _ := logging.New(cmd.ErrOrStderr(), level, cfg.Logging.Format, "")
			slog.SetDefault(logger)

			s.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			s.close()
		},
	}

	root.PersistentFlags().BoolVarP(&s.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(newMigrateCmd(s))
	root.AddCommand(newModulesCmd(s))
	root.AddCommand(newImportsCmd(s))
	root.AddCommand(newSchedulesCmd(s))
	return root
}

// Execute runs the command tree against os.Args.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		root.PrintErrln("Error:", err)
	}
	return err
}

func newMigrateCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		Long: `Apply every embedded migration that has not run yet. Migrations are
idempotent; running this twice applies nothing the second time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !s.cfg.UsesPostgres() {
				return fmt.Errorf("migrate requires STORE_DRIVER=postgres (got %q)", s.cfg.Store.Driver)
			}
			// Build without migrating so the applied list is reported here.
			s.cfg.Database.AutoMigrate = false
			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}

			applied, err := a.PGStore.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "Database is up to date.")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "applied %s\n", name)
			}
			return nil
		},
	}
}

func newModulesCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List importable modules and their fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range a.Service.Registry().Modules() {
				fmt.Fprintln(out, m.Key)
				for _, f := range m.Fields {
					var tags []string
					if f.Required {
						tags = append(tags, "required")
					}
					if f.NaturalKey {
						tags = append(tags, "key")
					}
					if len(tags) > 0 {
						fmt.Fprintf(out, "  - %s [%s]\n", f.Key, strings.Join(tags, ", "))
					} else {
						fmt.Fprintf(out, "  - %s\n", f.Key)
					}
				}
			}
			return nil
		},
	}
}
