package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/governance"
)

func parseRole(s string) (engine.Role, error) {
	switch r := engine.Role(s); r {
	case engine.RoleEngineer, engine.RoleCabMember, engine.RoleChangeManager:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q (must be engineer, cab_member or change_manager)", s)
	}
}

func newRoleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Grant and revoke governance roles",
	}

	for _, grant := range []bool{true, false} {
		use, short := "revoke", "Revoke a role from a user"
		if grant {
			use, short = "grant", "Grant a role to a user"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use + " <user-id> <engineer|cab_member|change_manager>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				role, err := parseRole(args[1])
				if err != nil {
					return err
				}
				return withApp(cmd.Context(), func(a *app) error {
					if grant {
						err = a.store.GrantRole(cmd.Context(), args[0], role)
					} else {
						err = a.store.RevokeRole(cmd.Context(), args[0], role)
					}
					if err != nil {
						return err
					}
					return printResult(map[string]interface{}{"user": args[0], "role": role, "granted": grant}, func() {
						fmt.Printf("✓ %s %s: %s\n", use, role, args[0])
					})
				})
			},
		})
	}

	return cmd
}

func newSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show and override governance settings",
		Long: `Show the effective governance settings or override them in the database.

Stored settings take precedence over the config file:
  cab.quorum
  approval.sla_hours
  approval.reminder_threshold_hours
  approval.escalation_interval_hours`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective governance settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				cfg, err := a.svc.GovernanceConfig(cmd.Context())
				if err != nil {
					return err
				}
				return printResult(cfg, func() {
					fmt.Printf("%-36s %d\n", governance.SettingCabQuorum, cfg.CabQuorum)
					fmt.Printf("%-36s %d\n", governance.SettingApprovalSLAHours, cfg.ApprovalSLAHours)
					fmt.Printf("%-36s %d\n", governance.SettingReminderThresholdHours, cfg.ReminderThresholdHours)
					fmt.Printf("%-36s %d\n", governance.SettingEscalationIntervalHours, cfg.EscalationIntervalHours)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Override a governance setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.svc.SetSetting(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				return printResult(map[string]string{"key": args[0], "value": args[1]}, func() {
					fmt.Printf("✓ %s = %s\n", args[0], args[1])
				})
			})
		},
	})

	return cmd
}
