package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/changegov/pkg/cab"
	"github.com/openfroyo/changegov/pkg/engine"
)

func newCabCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cab",
		Short: "Review queue and CAB meetings",
	}

	cmd.AddCommand(newCabPendingCommand())
	cmd.AddCommand(newCabRefreshCommand())
	cmd.AddCommand(newCabMeetingCommand())

	return cmd
}

func newCabPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List changes awaiting CAB review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				changes, err := a.svc.PendingCabReview(cmd.Context())
				if err != nil {
					return err
				}
				return printResult(changes, func() {
					if len(changes) == 0 {
						fmt.Println("No changes awaiting CAB review")
						return
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tCLIENT\tRISK\tTYPE\tTITLE")
					for _, c := range changes {
						fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", c.ID, c.ClientID, c.RiskScore, c.ChangeType, c.Title)
					}
					_ = w.Flush()
				})
			})
		},
	}
}

func newCabRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <meeting-id>",
		Short: "Sync a planned meeting's agenda with the review queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				result, err := a.svc.RefreshCabMeetingAgenda(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printResult(result, func() {
					if !result.Updated {
						fmt.Printf("Meeting %s is not planned, agenda unchanged\n", result.MeetingID)
						return
					}
					fmt.Printf("✓ Agenda refreshed: %d added, %d removed\n", result.Added, result.Removed)
				})
			})
		},
	}
}

func printMeeting(m *engine.CabMeeting) {
	fmt.Printf("ID:       %s\n", m.ID)
	fmt.Printf("Date:     %s\n", m.MeetingDate.Format(time.RFC3339))
	fmt.Printf("Status:   %s\n", m.Status)
	fmt.Printf("Members:  %v\n", m.MemberIDs)
	for _, item := range m.Agenda {
		decision := "-"
		if item.Decision != nil {
			decision = *item.Decision
		}
		fmt.Printf("  %s  %s\n", item.ChangeID, decision)
	}
}

func newCabMeetingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meeting",
		Short: "Plan, run and close CAB meetings",
	}

	var (
		date    string
		members []string
		notes   string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Plan a CAB meeting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := time.Parse(time.RFC3339, date)
			if err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
			return withApp(cmd.Context(), func(a *app) error {
				m, err := a.svc.CAB().CreateMeeting(cmd.Context(), when, members, notes)
				if err != nil {
					return err
				}
				return printResult(m, func() { fmt.Printf("✓ Planned meeting %s\n", m.ID) })
			})
		},
	}
	create.Flags().StringVar(&date, "date", "", "meeting time (RFC3339)")
	create.Flags().StringSliceVar(&members, "member", nil, "invited CAB member (repeatable)")
	create.Flags().StringVar(&notes, "notes", "", "meeting notes")
	_ = create.MarkFlagRequired("date")

	show := &cobra.Command{
		Use:   "show <meeting-id>",
		Short: "Show a meeting and its agenda",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				m, err := a.svc.CAB().GetMeeting(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printResult(m, func() { printMeeting(m) })
			})
		},
	}

	decide := &cobra.Command{
		Use:   "decide <meeting-id> <change-id> <approved|rejected|deferred>",
		Short: "Record the committee decision for an agenda entry",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				m, err := a.svc.CAB().RecordDecision(cmd.Context(), args[0], args[1], cab.Decision(args[2]))
				if err != nil {
					return err
				}
				return printResult(m, func() { fmt.Printf("✓ Decision recorded for change %s\n", args[1]) })
			})
		},
	}

	var minutes string
	complete := &cobra.Command{
		Use:   "complete <meeting-id>",
		Short: "Close a meeting and freeze its agenda",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				m, err := a.svc.CAB().CompleteMeeting(cmd.Context(), args[0], minutes)
				if err != nil {
					return err
				}
				return printResult(m, func() { fmt.Printf("✓ Meeting %s completed\n", m.ID) })
			})
		},
	}
	complete.Flags().StringVar(&minutes, "minutes", "", "meeting minutes")

	cmd.AddCommand(create, show, decide, complete)
	return cmd
}
