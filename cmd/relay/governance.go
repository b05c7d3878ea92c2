package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentrelay/internal/engine/autonomy"
)

func splitRepo(s string) (string, string, error) {
	owner, repo, ok := strings.Cut(s, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("repository must be owner/repo, got %q", s)
	}
	return owner, repo, nil
}

func dialCmd() *cobra.Command {
	d := &cobra.Command{Use: "dial", Short: "Inspect and set repository autonomy dials"}
	d.AddCommand(&cobra.Command{
		Use:   "get <owner/repo>",
		Short: "Show the dial of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, repo, err := splitRepo(args[0])
			if err != nil {
				return err
			}
			dial, err := client().GetDial(cmd.Context(), owner, repo)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(dial)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendRow(table.Row{"Repository", owner + "/" + repo})
			level := strconv.Itoa(dial.Level)
			if dial.IsDefault {
				level += " (default)"
			}
			tw.AppendRow(table.Row{"Level", level})
			if dial.UpdatedBy != "" {
				tw.AppendRow(table.Row{"Updated by", dial.UpdatedBy})
			}
			tw.Render()
			return nil
		},
	})

	var legacy bool
	set := &cobra.Command{
		Use:   "set <owner/repo> <level>",
		Short: "Set the dial of a repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, repo, err := splitRepo(args[0])
			if err != nil {
				return err
			}
			level, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("level must be an integer: %w", err)
			}
			c := client()
			set := c.SetDial
			if legacy {
				set = c.SetLegacyDial
			}
			dial, err := set(cmd.Context(), owner, repo, level)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(dial)
			}
			fmt.Printf("%s/%s dial set to %d\n", owner, repo, dial.Level)
			return nil
		},
	}
	set.Flags().BoolVar(&legacy, "legacy", false, "interpret level on the old 1-11 scale")
	d.AddCommand(set)

	var env string
	check := &cobra.Command{
		Use:   "check <owner/repo> <action>",
		Short: "Check an action against the dial of a repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, repo, err := splitRepo(args[0])
			if err != nil {
				return err
			}
			dec, err := client().CheckDial(cmd.Context(), owner, repo, args[1], env)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(dec)
			}
			fmt.Println(dec.Reason)
			if !dec.Permitted {
				os.Exit(2)
			}
			return nil
		},
	}
	check.Flags().StringVar(&env, "env", "", "deployment environment (local, dev, staging, production)")
	d.AddCommand(check)
	return d
}

// actionsCmd reads the built-in catalog; it needs no server.
func actionsCmd() *cobra.Command {
	var tier string
	var summary bool
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List classified actions and their tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if summary {
				tiers := autonomy.GetTierSummary()
				if viper.GetBool("json") {
					return printJSON(tiers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Tier", "Name", "Level", "Actions", "Description"})
				for _, t := range tiers {
					tw.AppendRow(table.Row{t.Tier, t.Name, t.RequiredLevel, t.ActionCount, t.Description})
				}
				tw.Render()
				return nil
			}
			items := autonomy.AllActions()
			if tier != "" {
				t, err := autonomy.ParseTier(tier)
				if err != nil {
					return err
				}
				filtered := items[:0]
				for _, a := range items {
					if a.Tier == t {
						filtered = append(filtered, a)
					}
				}
				items = filtered
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Action", "Tier", "Required level"})
			for _, a := range items {
				tw.AppendRow(table.Row{a.ActionType, a.Tier, a.RequiredLevel})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "only list actions of this tier (T1-T5)")
	cmd.Flags().BoolVar(&summary, "summary", false, "show one row per tier")
	return cmd
}
