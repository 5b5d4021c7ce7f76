package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"recurd/internal/app"
	"recurd/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// opening the store applies pending migrations
		return withApp(cmd, time.Minute, func(ctx context.Context, a *app.App) error {
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		})
	},
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Process every eligible template once, regardless of time zone",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, runTimeout, func(ctx context.Context, a *app.App) error {
			sum, err := a.RunOnce(ctx)
			if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil {
				return perr
			}
			return err
		})
	},
}

var processCmd = &cobra.Command{
	Use:   "process <template-id>",
	Short: "Run one template through the pipeline now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, runTimeout, func(ctx context.Context, a *app.App) error {
			res, err := a.Reprocess(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [template-id]",
	Short: "Check reporter permissions for one template, or list every template with issues",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, time.Minute, func(ctx context.Context, a *app.App) error {
			if len(args) == 1 {
				return printJSON(cmd.OutOrStdout(), a.ValidateTemplate(ctx, args[0]))
			}
			issues, err := a.TemplatesWithPermissionIssues(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), issues)
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var (
	auditDays  int
	auditLimit int
	runTimeout time.Duration
)

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Aggregate audit entries per operation type",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, time.Minute, func(ctx context.Context, a *app.App) error {
			rows, err := a.AuditSummary(ctx, auditDays)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		})
	},
}

var auditErrorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show the most recent failed operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, time.Minute, func(ctx context.Context, a *app.App) error {
			entries, err := a.RecentErrors(ctx, auditLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		})
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Edit recurrence rules",
}

var scheduleExcludeCmd = &cobra.Command{
	Use:   "exclude <schedule-id> <YYYY-MM-DD>",
	Short: "Skip one occurrence of a schedule",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, time.Minute, func(ctx context.Context, a *app.App) error {
			if err := a.ExcludeDate(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "excluded %s from %s\n", args[1], args[0])
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the config file",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Parse and validate the config file without starting anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (scheduler.mode=%s, storage.driver=%s)\n",
			cfgPath, cfg.Scheduler.Mode, cfg.Storage.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, runOnceCmd, processCmd, validateCmd, auditCmd, scheduleCmd, configCmd)
	auditCmd.AddCommand(auditSummaryCmd, auditErrorsCmd)
	scheduleCmd.AddCommand(scheduleExcludeCmd)
	configCmd.AddCommand(configCheckCmd)

	auditSummaryCmd.Flags().IntVar(&auditDays, "days", 7, "trailing window in days")
	auditErrorsCmd.Flags().IntVar(&auditLimit, "limit", 10, "maximum number of entries")
	for _, c := range []*cobra.Command{runOnceCmd, processCmd} {
		c.Flags().DurationVar(&runTimeout, "timeout", 10*time.Minute, "upper bound for the run")
	}
}
