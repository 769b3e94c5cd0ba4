package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/changegov/pkg/approval"
	"github.com/openfroyo/changegov/pkg/engine"
)

func newApprovalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Resolve client approvals and cast CAB votes",
	}

	cmd.AddCommand(newClientDecisionCommand("approve"))
	cmd.AddCommand(newClientDecisionCommand("reject"))
	cmd.AddCommand(newVoteCommand())
	cmd.AddCommand(newConfirmCommand())
	cmd.AddCommand(newRequestCommand())

	return cmd
}

func newRequestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "request <change-id>",
		Short: "Request approval from the client's approver contacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				approvals, err := a.svc.CreateClientApprovals(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printResult(approvals, func() {
					fmt.Printf("✓ %d client approval(s) pending for change %s\n", len(approvals), args[0])
				})
			})
		},
	}
}

func newClientDecisionCommand(decision string) *cobra.Command {
	var contactID, comments string

	cmd := &cobra.Command{
		Use:   decision + " <change-id>",
		Short: fmt.Sprintf("Record a client contact's %s decision", decision),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				var (
					change *engine.ChangeRequest
					err    error
				)
				if decision == "approve" {
					change, err = a.svc.ClientApprove(cmd.Context(), args[0], contactID, optionalString(comments))
				} else {
					change, err = a.svc.ClientReject(cmd.Context(), args[0], contactID, optionalString(comments))
				}
				if err != nil {
					return err
				}
				return printResult(change, func() {
					fmt.Printf("✓ Recorded; change %s is %s\n", change.ID, change.Status)
				})
			})
		},
	}

	cmd.Flags().StringVar(&contactID, "contact", "", "client contact id")
	cmd.Flags().StringVar(&comments, "comments", "", "comments for the requester")
	_ = cmd.MarkFlagRequired("contact")
	return cmd
}

func newVoteCommand() *cobra.Command {
	var (
		v          approval.CastVote
		vote       string
		comments   string
		conditions string
	)

	cmd := &cobra.Command{
		Use:   "vote <change-id>",
		Short: "Cast a CAB vote",
		Example: `  changegov approval vote 1b2c... --user carol --vote approve --conditions "run after 22:00"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v.ChangeID = args[0]
			v.Vote = engine.VoteValue(vote)
			v.Comments = optionalString(comments)
			v.ConditionalTerms = optionalString(conditions)

			return withApp(cmd.Context(), func(a *app) error {
				result, err := a.svc.CastCabVote(cmd.Context(), v)
				if err != nil {
					return err
				}
				return printResult(result, func() {
					fmt.Printf("✓ Vote recorded: %d cast, %d approve, %d reject, %d abstain\n",
						result.Tally.Votes, result.Tally.Approves, result.Tally.Rejects, result.Tally.Abstains)
					fmt.Printf("  outcome: %s, change is %s\n", result.Outcome, result.Change.Status)
				})
			})
		},
	}

	cmd.Flags().StringVar(&v.UserID, "user", "", "voting CAB member")
	cmd.Flags().StringVar(&vote, "vote", "", "approve, reject or abstain")
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	cmd.Flags().StringVar(&conditions, "conditions", "", "conditional terms of an approve vote")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("vote")
	return cmd
}

func newConfirmCommand() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "confirm <change-id>",
		Short: "Acknowledge the pending CAB conditions of a change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				change, err := a.svc.ConfirmCabConditions(cmd.Context(), args[0], userID)
				if err != nil {
					return err
				}
				return printResult(change, func() {
					fmt.Printf("✓ Conditions confirmed for change %s\n", change.ID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "confirming user")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
