package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "changegov",
		Short: "changegov - Change governance and approval workflow",
		Long: `changegov moves change requests through an ITIL-style lifecycle:
draft, submission, client and CAB approval, scheduling and implementation.

Features:
  - Risk scoring and policy-driven approval gates (Rego default gates)
  - Client approvals and CAB voting with quorum and conditions
  - Blackout and scheduling conflict detection
  - SLA reminders and escalations on a cron schedule
  - CAB meeting agendas
  - Append-only workflow history and audit log`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newBlackoutCommand())
	rootCmd.AddCommand(newChangeCommand())
	rootCmd.AddCommand(newApprovalCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newCabCommand())
	rootCmd.AddCommand(newRoleCommand())
	rootCmd.AddCommand(newSettingsCommand())
	rootCmd.AddCommand(newDaemonCommand())

	return rootCmd
}
