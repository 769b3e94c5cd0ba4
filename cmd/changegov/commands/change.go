package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/changegov/pkg/engine"
)

func newChangeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "change",
		Short: "Create and move change requests",
		Long: `Create change requests and move them through the lifecycle.

Legal transitions:
  draft            -> submitted, cancelled
  submitted        -> approved, rejected, cancelled
  pending_approval -> approved, rejected, cancelled
  approved         -> scheduled, cancelled
  scheduled        -> in_progress, cancelled
  in_progress      -> completed, cancelled
  rejected         -> draft`,
	}

	cmd.AddCommand(newChangeCreateCommand())
	cmd.AddCommand(newChangeShowCommand())
	cmd.AddCommand(newChangeSubmitCommand())
	cmd.AddCommand(newChangeTransitionCommand())
	cmd.AddCommand(newChangeScheduleCommand())
	cmd.AddCommand(newChangeAssignCommand())
	cmd.AddCommand(newChangeHistoryCommand())

	return cmd
}

func printChange(c *engine.ChangeRequest) {
	fmt.Printf("ID:           %s\n", c.ID)
	fmt.Printf("Title:        %s\n", c.Title)
	fmt.Printf("Client:       %s\n", c.ClientID)
	fmt.Printf("Status:       %s (revision %d)\n", c.Status, c.Revision)
	fmt.Printf("Risk score:   %d\n", c.RiskScore)
	fmt.Printf("Window:       %s to %s\n", formatTime(c.ScheduledStart), formatTime(c.ScheduledEnd))
	if c.AssignedEngineerID != nil {
		fmt.Printf("Engineer:     %s\n", *c.AssignedEngineerID)
	}
	if c.RejectionReason != nil {
		fmt.Printf("Reason:       %s\n", *c.RejectionReason)
	}
	if c.CabConditions != nil {
		fmt.Printf("Conditions:   %s\n", *c.CabConditions)
		if c.CabConditionsStatus != nil {
			fmt.Printf("              (%s)\n", *c.CabConditionsStatus)
		}
	}
}

func newChangeCreateCommand() *cobra.Command {
	var (
		c          engine.ChangeRequest
		priority   string
		changeType string
		riskLevel  string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft change request",
		Example: `  changegov change create --title "Rotate TLS certificates" --client acme --requester alice \
    --type normal --risk medium --priority medium --backout-plan "restore old certs"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.Priority = engine.Priority(priority)
			c.ChangeType = engine.ChangeType(changeType)
			c.RiskLevel = engine.RiskLevel(riskLevel)

			return withApp(cmd.Context(), func(a *app) error {
				created, err := a.svc.CreateChange(cmd.Context(), &c, c.RequesterID)
				if err != nil {
					return err
				}
				return printResult(created, func() {
					fmt.Printf("✓ Created change %s\n", created.ID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&c.Title, "title", "", "short summary")
	cmd.Flags().StringVar(&c.Description, "description", "", "detailed description")
	cmd.Flags().StringVar(&c.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&c.RequesterID, "requester", "", "requesting user")
	cmd.Flags().StringVar(&priority, "priority", string(engine.PriorityMedium), "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&changeType, "type", string(engine.ChangeTypeNormal), "change type (standard, normal, emergency)")
	cmd.Flags().StringVar(&riskLevel, "risk", string(engine.RiskLevelMedium), "risk level (low, medium, high)")
	cmd.Flags().StringVar(&c.ImplementationPlan, "impl-plan", "", "implementation plan")
	cmd.Flags().StringVar(&c.BackoutPlan, "backout-plan", "", "backout plan")
	cmd.Flags().StringVar(&c.TestPlan, "test-plan", "", "test plan")
	cmd.Flags().StringSliceVar(&c.AssetIDs, "asset", nil, "touched asset id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("requester")

	return cmd
}

func newChangeShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <change-id>",
		Short: "Show a change request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				change, err := a.svc.GetChange(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printResult(change, func() { printChange(change) })
			})
		},
	}
}

func newChangeSubmitCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "submit <change-id>",
		Short: "Evaluate policy, submit a draft and apply its approval gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				result, err := a.svc.Submit(cmd.Context(), args[0], actor)
				if err != nil {
					return err
				}
				return printResult(result, func() {
					fmt.Printf("✓ Change %s is %s (risk score %d, %s gates)\n",
						result.Change.ID, result.Change.Status, result.Decision.RiskScore, result.Decision.Source)
					switch {
					case result.AutoApproved:
						fmt.Println("  auto-approved")
					case len(result.ClientApprovals) > 0:
						fmt.Printf("  waiting for %d client approval(s)\n", len(result.ClientApprovals))
					case result.RoutedToCab:
						fmt.Println("  routed to the CAB")
					default:
						fmt.Println("  waiting for a manual decision")
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "acting user (default system)")
	return cmd
}

func newChangeTransitionCommand() *cobra.Command {
	var actor, reason string

	cmd := &cobra.Command{
		Use:   "transition <change-id> <status>",
		Short: "Move a change to another status",
		Example: `  changegov change transition 1b2c... in_progress --actor eve
  changegov change transition 1b2c... cancelled --reason "superseded"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				change, err := a.svc.Transition(cmd.Context(), args[0], engine.Status(args[1]), actor, reason)
				if err != nil {
					return err
				}
				return printResult(change, func() {
					fmt.Printf("✓ Change %s is now %s\n", change.ID, change.Status)
				})
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "acting user (default system)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the transition")
	return cmd
}

func newChangeScheduleCommand() *cobra.Command {
	var actor, start, end string

	cmd := &cobra.Command{
		Use:   "schedule <change-id>",
		Short: "Book the implementation window of an approved change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			to, err := time.Parse(time.RFC3339, end)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}

			return withApp(cmd.Context(), func(a *app) error {
				change, err := a.svc.Schedule(cmd.Context(), args[0], from, to, actor)
				if err != nil {
					return describeError(err)
				}
				return printResult(change, func() {
					fmt.Printf("✓ Change %s scheduled %s to %s\n",
						change.ID, formatTime(change.ScheduledStart), formatTime(change.ScheduledEnd))
				})
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "acting user (default system)")
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC3339)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newChangeAssignCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "assign <change-id> <engineer-id>",
		Short: "Assign the implementing engineer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				change, err := a.svc.AssignEngineer(cmd.Context(), args[0], args[1], actor)
				if err != nil {
					return describeError(err)
				}
				return printResult(change, func() {
					fmt.Printf("✓ Engineer %s assigned to change %s\n", args[1], change.ID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "acting user (default system)")
	return cmd
}

func newChangeHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <change-id>",
		Short: "List the workflow events of a change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				events, err := a.svc.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printResult(events, func() {
					w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "TIME\tEVENT\tACTOR\tDETAILS")
					for _, e := range events {
						actor := "system"
						if e.ActorID != nil {
							actor = *e.ActorID
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", e.CreatedAt.Format(time.RFC3339), e.Type, actor, e.Payload)
					}
					_ = w.Flush()
				})
			})
		},
	}
}
