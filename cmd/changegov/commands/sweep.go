package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/changegov/pkg/orchestration"
)

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run an SLA sweep once",
		Long: `Run an approval SLA sweep once, outside the daemon schedule.

Sweeps are idempotent: reminders are sent at most once per approval and
escalations at most once per escalation interval.`,
	}

	cmd.AddCommand(newSweepRunCommand(orchestration.SweepReminders, "Remind approvers whose approvals are due soon"))
	cmd.AddCommand(newSweepRunCommand(orchestration.SweepEscalations, "Escalate overdue approvals"))

	return cmd
}

func newSweepRunCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				var run func(context.Context) (orchestration.SweepResult, error)
				if name == orchestration.SweepReminders {
					run = a.svc.OrchestrateReminders
				} else {
					run = a.svc.OrchestrateEscalations
				}

				result, err := run(cmd.Context())
				if err != nil {
					return err
				}
				return printResult(result, func() {
					fmt.Printf("✓ %s sweep: %d examined, %d processed, %d skipped, %d failed\n",
						name, result.Examined, result.Processed, result.Skipped, result.Failed)
				})
			})
		},
	}
}
