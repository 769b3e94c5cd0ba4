package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/changegov/pkg/engine"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage and evaluate change policies",
	}

	cmd.AddCommand(newPolicyEvaluateCommand())
	cmd.AddCommand(newPolicyCreateCommand())

	return cmd
}

func newPolicyEvaluateCommand() *cobra.Command {
	var (
		attrs       engine.ChangeAttributes
		changeType  string
		priority    string
		riskLevel   string
		implPlan    bool
		backoutPlan bool
		testPlan    bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Show the risk score and gates for a hypothetical change",
		Example: `  # Evaluate an emergency change without a backout plan
  changegov policy evaluate --type emergency --risk high --priority critical --impl-plan --test-plan`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs.ChangeType = engine.ChangeType(changeType)
			attrs.Priority = engine.Priority(priority)
			attrs.RiskLevel = engine.RiskLevel(riskLevel)
			attrs.HasImplementationPlan = implPlan
			attrs.HasBackoutPlan = backoutPlan
			attrs.HasTestPlan = testPlan

			return withApp(cmd.Context(), func(a *app) error {
				decision, err := a.svc.EvaluatePolicy(cmd.Context(), attrs)
				if err != nil {
					return err
				}
				return printResult(decision, func() {
					fmt.Printf("Risk score:        %d\n", decision.RiskScore)
					if decision.Policy != nil {
						fmt.Printf("Governing policy:  %s (%s)\n", decision.Policy.Name, decision.Policy.ID)
					} else {
						fmt.Printf("Governing policy:  default gates\n")
					}
					fmt.Printf("Client approval:   %v\n", decision.RequiresClientApproval)
					fmt.Printf("CAB approval:      %v\n", decision.RequiresCabApproval)
					fmt.Printf("Security review:   %v\n", decision.RequiresSecurityReview)
					fmt.Printf("Auto-approve:      %v\n", decision.AutoApprove)
				})
			})
		},
	}

	cmd.Flags().StringVar(&attrs.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&changeType, "type", string(engine.ChangeTypeNormal), "change type (standard, normal, emergency)")
	cmd.Flags().StringVar(&priority, "priority", string(engine.PriorityMedium), "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&riskLevel, "risk", string(engine.RiskLevelMedium), "risk level (low, medium, high)")
	cmd.Flags().BoolVar(&implPlan, "impl-plan", false, "an implementation plan is provided")
	cmd.Flags().BoolVar(&backoutPlan, "backout-plan", false, "a backout plan is provided")
	cmd.Flags().BoolVar(&testPlan, "test-plan", false, "a test plan is provided")

	return cmd
}

func newPolicyCreateCommand() *cobra.Command {
	var (
		p          engine.ChangePolicy
		clientID   string
		changeType string
		priority   string
		minRisk    int
		maxRisk    int
		maxHours   int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a change policy",
		Example: `  # Require CAB review for every emergency change of one client
  changegov policy create --name "acme emergencies" --client acme --type emergency --cab --client-approval`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p.ClientID = optionalString(clientID)
			if changeType != "" {
				t := engine.ChangeType(changeType)
				p.ChangeType = &t
			}
			if priority != "" {
				pr := engine.Priority(priority)
				p.Priority = &pr
			}
			if cmd.Flags().Changed("min-risk") {
				p.MinRiskScore = &minRisk
			}
			if cmd.Flags().Changed("max-risk") {
				p.MaxRiskScore = &maxRisk
			}
			if cmd.Flags().Changed("max-hours") {
				p.MaxImplementationHours = &maxHours
			}
			p.Active = true

			return withApp(cmd.Context(), func(a *app) error {
				created, err := a.svc.CreatePolicy(cmd.Context(), &p)
				if err != nil {
					return err
				}
				return printResult(created, func() {
					fmt.Printf("✓ Created policy %s (%s)\n", created.Name, created.ID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&p.Name, "name", "", "policy name")
	cmd.Flags().StringVar(&clientID, "client", "", "restrict to one client")
	cmd.Flags().StringVar(&changeType, "type", "", "restrict to a change type")
	cmd.Flags().StringVar(&priority, "priority", "", "restrict to a priority")
	cmd.Flags().IntVar(&minRisk, "min-risk", 0, "lowest matching risk score")
	cmd.Flags().IntVar(&maxRisk, "max-risk", 100, "highest matching risk score")
	cmd.Flags().IntVar(&maxHours, "max-hours", 0, "longest allowed implementation window in hours")
	cmd.Flags().BoolVar(&p.RequiresClientApproval, "client-approval", false, "require client approval")
	cmd.Flags().BoolVar(&p.RequiresCabApproval, "cab", false, "require CAB approval")
	cmd.Flags().BoolVar(&p.RequiresSecurityReview, "security-review", false, "require security review")
	cmd.Flags().BoolVar(&p.AutoApprove, "auto-approve", false, "approve on submission when no CAB is required")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newBlackoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blackout",
		Short: "Manage blackout windows",
	}

	var (
		w        engine.BlackoutWindow
		clientID string
		start    string
		end      string
	)

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a blackout window",
		Example: `  # Freeze every client over the year end
  changegov blackout create --name "year end" --start 2025-12-24T00:00:00Z --end 2026-01-02T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if w.StartsAt, err = time.Parse(time.RFC3339, start); err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			if w.EndsAt, err = time.Parse(time.RFC3339, end); err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}
			w.ClientID = optionalString(clientID)
			w.Active = true

			return withApp(cmd.Context(), func(a *app) error {
				created, err := a.svc.CreateBlackout(cmd.Context(), &w)
				if err != nil {
					return err
				}
				return printResult(created, func() {
					fmt.Printf("✓ Created blackout window %s (%s)\n", created.Name, created.ID)
				})
			})
		},
	}

	create.Flags().StringVar(&w.Name, "name", "", "window name")
	create.Flags().StringVar(&w.Reason, "reason", "", "why changes are frozen")
	create.Flags().StringVar(&w.Timezone, "timezone", "UTC", "display timezone")
	create.Flags().StringVar(&clientID, "client", "", "restrict to one client (default global)")
	create.Flags().StringVar(&start, "start", "", "start time (RFC3339)")
	create.Flags().StringVar(&end, "end", "", "end time (RFC3339)")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("start")
	_ = create.MarkFlagRequired("end")

	cmd.AddCommand(create)
	return cmd
}
