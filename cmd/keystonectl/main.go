package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/database"
	"github.com/BradenHooton/keystone/internal/repositories"
	"github.com/BradenHooton/keystone/internal/seed"
	"github.com/BradenHooton/keystone/internal/services"
	pkglogger "github.com/BradenHooton/keystone/pkg/logger"
	"github.com/spf13/cobra"
)

// app holds what every subcommand shares. Configuration and the database
// are opened lazily so `config check` works without a reachable database.
type app struct {
	out    io.Writer
	format string
	cfg    *config.Config
	logger *slog.Logger
	db     *database.DB
}

func (a *app) load() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = pkglogger.New(os.Stderr, pkglogger.ParseLevel(cfg.Server.LogLevel))
	return nil
}

func (a *app) connect() (*database.DB, error) {
	if err := a.load(); err != nil {
		return nil, err
	}
	if a.db == nil {
		db, err := database.NewConnection(&a.cfg.Database, a.logger)
		if err != nil {
			return nil, err
		}
		a.db = db
	}
	return a.db, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{out: os.Stdout}
	defer a.close()

	root := newRootCmd(a)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		a.close()
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "keystonectl",
		Short:         "Operator commands for the keystone identity service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.format, "out", "text", "Output format: text|json")

	root.AddCommand(newMigrateCmd(a))
	root.AddCommand(newSeedCmd(a))
	root.AddCommand(newAuditCmd(a))
	root.AddCommand(newConfigCmd(a))
	return root
}

func newMigrateCmd(a *app) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.connect()
			if err != nil {
				return err
			}
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "migrations applied")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.connect()
			if err != nil {
				return err
			}
			statuses, err := db.MigrationStatus(cmd.Context())
			if err != nil {
				return err
			}
			if a.format == "json" {
				return a.printJSON(statuses)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tSTATE\tSOURCE")
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Version, state, s.Source)
			}
			return tw.Flush()
		},
	}

	migrateCmd.AddCommand(upCmd, statusCmd)
	return migrateCmd
}

func newSeedCmd(a *app) *cobra.Command {
	var file string
	var dryRun bool

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert permissions, roles and menus from a catalog file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			catalog, err := seed.LoadFile(file)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(a.out, "catalog valid: %d permissions, %d roles, %d menus\n",
					len(catalog.Permissions), len(catalog.Roles), len(catalog.Menus))
				return nil
			}

			db, err := a.connect()
			if err != nil {
				return err
			}
			sum, err := seed.Apply(cmd.Context(), repositories.NewRBACRepository(db), catalog, a.logger)
			if err != nil {
				return err
			}
			if a.format == "json" {
				return a.printJSON(sum)
			}
			fmt.Fprintf(a.out, "seeded %d permissions, %d roles, %d menus\n", sum.Permissions, sum.Roles, sum.Menus)
			fmt.Fprintln(a.out, "running instances pick up the change when their permission cache expires")
			return nil
		},
	}
	seedCmd.Flags().StringVar(&file, "file", "", "Path to the catalog YAML file")
	seedCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the catalog without writing")
	return seedCmd
}

func newAuditCmd(a *app) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit backup maintenance",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the audit backup file state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			backup, err := openBackup(a.cfg.Audit)
			if err != nil {
				return err
			}
			status, err := backup.Status()
			if err != nil {
				return err
			}
			if a.format == "json" {
				return a.printJSON(status)
			}
			fmt.Fprintf(a.out, "path=%s files=%d bytes=%d pending=%d malformed=%d\n",
				status.Path, status.Files, status.Bytes, status.Pending, status.Malformed)
			return nil
		},
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Replay pending backup entries into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.connect()
			if err != nil {
				return err
			}
			backup, err := openBackup(a.cfg.Audit)
			if err != nil {
				return err
			}
			repo := repositories.NewAuditLogRepository(db)
			svc := services.NewAuditService(audit.NewPipeline(repo, backup, a.logger), repo, a.logger)

			report := svc.RecoverBackup(cmd.Context(), nil)
			if a.format == "json" {
				if err := a.printJSON(report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(a.out, "recovered=%d failed=%d malformed=%d interrupted=%t\n",
					report.Recovered, report.Failed, report.Malformed, report.Interrupted)
				for _, e := range report.Errors {
					fmt.Fprintln(a.out, "  "+e)
				}
			}
			if report.Failed > 0 || report.Interrupted {
				return fmt.Errorf("recovery incomplete")
			}
			return nil
		},
	}

	auditCmd.AddCommand(statusCmd, recoverCmd)
	return auditCmd
}

func newConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration diagnostics",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Report unsafe or incomplete deployment settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			findings := config.DeploymentChecks(a.cfg)
			if a.format == "json" {
				if err := a.printJSON(findings); err != nil {
					return err
				}
			} else if len(findings) == 0 {
				fmt.Fprintln(a.out, "no findings")
			} else {
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEVERITY\tKEY\tMESSAGE")
				for _, f := range findings {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Severity, f.Key, f.Message)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			if config.HasBlocking(findings) {
				return fmt.Errorf("configuration has blocking findings for env %q", a.cfg.Server.Env)
			}
			return nil
		},
	}

	configCmd.AddCommand(checkCmd)
	return configCmd
}

func openBackup(cfg config.AuditConfig) (*audit.FileBackup, error) {
	return audit.NewFileBackup(audit.FileBackupOptions{
		Path:     cfg.BackupPath,
		MaxBytes: cfg.BackupMaxBytes,
		MaxFiles: cfg.BackupMaxFiles,
	})
}
