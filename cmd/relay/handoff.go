package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	relaysdk "agentrelay/sdk/go"
)

func handoffCmd() *cobra.Command {
	h := &cobra.Command{Use: "handoff", Aliases: []string{"h"}, Short: "Manage handoffs on a relay server"}
	h.AddCommand(handoffCreateCmd())
	h.AddCommand(handoffListCmd())
	h.AddCommand(handoffShowCmd())
	h.AddCommand(handoffAcceptCmd())
	h.AddCommand(handoffCompleteCmd())
	h.AddCommand(handoffFailCmd(false))
	h.AddCommand(handoffFailCmd(true))
	h.AddCommand(handoffHistoryCmd())
	h.AddCommand(handoffStatsCmd())
	return h
}

func handoffCreateCmd() *cobra.Command {
	var req relaysdk.CreateHandoffRequest
	cmd := &cobra.Command{
		Use:   "create <task>",
		Short: "Create a handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Task = args[0]
			h, err := client().CreateHandoff(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printHandoff(h)
		},
	}
	cmd.Flags().StringVar(&req.FromAgent, "from", "", "handing-off agent (defaults to the caller)")
	cmd.Flags().StringVar(&req.ToAgent, "to", "", "receiving agent")
	cmd.Flags().StringVar(&req.Context, "context", "", "background for the task")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().Float64Var(&req.SLAHours, "sla-hours", 0, "hours until the handoff is overdue")
	cmd.Flags().StringSliceVar(&req.Blockers, "blocker", nil, "known blocker (repeatable)")
	cmd.Flags().StringSliceVar(&req.CompletedWork, "done", nil, "work already completed (repeatable)")
	cmd.Flags().StringVar(&req.RepositoryFullName, "repo", "", "owner/repo")
	cmd.Flags().IntVar(&req.IssueNumber, "issue", 0, "issue or pull request number")
	return cmd
}

func handoffListCmd() *cobra.Command {
	var opts relaysdk.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List handoffs",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := client().ListHandoffs(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Task", "Status", "Priority", "From", "To", "Deadline", "Overdue"})
			for _, h := range items {
				deadline := ""
				if h.SLADeadline != nil {
					deadline = h.SLADeadline.Local().Format(time.DateTime)
				}
				overdue := ""
				if h.IsOverdue {
					overdue = "yes"
				}
				tw.AppendRow(table.Row{h.ID, truncate(h.Task, 40), h.Status, h.Priority, deref(h.FromAgent), deref(h.ToAgent), deadline, overdue})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter (legacy names accepted)")
	cmd.Flags().StringVar(&opts.ToAgent, "to", "", "receiving agent filter")
	cmd.Flags().StringVar(&opts.FromAgent, "from", "", "handing-off agent filter")
	cmd.Flags().StringVar(&opts.Repository, "repo", "", "owner/repo filter")
	cmd.Flags().IntVar(&opts.IssueNumber, "issue", 0, "issue number filter")
	return cmd
}

func handoffShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := client().GetHandoff(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printHandoff(h)
		},
	}
}

func handoffAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a pending handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := client().AcceptHandoff(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printHandoff(h)
		},
	}
}

func handoffCompleteCmd() *cobra.Command {
	var outputs string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if outputs != "" {
				if err := json.Unmarshal([]byte(outputs), &out); err != nil {
					return fmt.Errorf("--outputs must be a JSON object: %w", err)
				}
			}
			h, err := client().CompleteHandoff(cmd.Context(), args[0], out)
			if err != nil {
				return err
			}
			return printHandoff(h)
		},
	}
	cmd.Flags().StringVar(&outputs, "outputs", "", "JSON object merged into the handoff outputs")
	return cmd
}

func handoffFailCmd(abandon bool) *cobra.Command {
	var reason string
	use, short := "fail <id>", "Fail a handoff"
	if abandon {
		use, short = "abandon <id>", "Abandon a handoff"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			call := c.FailHandoff
			if abandon {
				call = c.AbandonHandoff
			}
			h, err := call(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printHandoff(h)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	return cmd
}

func handoffHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the state change history of a handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := client().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"At", "From", "To", "Reason", "By"})
			for _, sc := range items {
				tw.AppendRow(table.Row{sc.CreatedAt.Local().Format(time.DateTime), sc.FromState, sc.ToState, sc.Reason, sc.TriggeredBy})
			}
			tw.Render()
			return nil
		},
	}
}

func handoffStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate handoff statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendRow(table.Row{"Total", st.Total})
			for _, s := range []string{"pending", "active", "completed", "failed"} {
				tw.AppendRow(table.Row{"Status " + s, st.ByStatus[s]})
			}
			avg := "-"
			if st.AvgCompletionHours != nil {
				avg = fmt.Sprintf("%.2fh", *st.AvgCompletionHours)
			}
			tw.AppendRow(table.Row{"Avg completion", avg})
			tw.AppendRow(table.Row{"SLA compliance", fmt.Sprintf("%.0f%%", st.SLAComplianceRate*100)})
			tw.AppendRow(table.Row{"Overdue", st.Overdue})
			tw.Render()
			return nil
		},
	}
}

func printHandoff(h relaysdk.Handoff) error {
	if viper.GetBool("json") {
		return printJSON(h)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"ID", h.ID})
	tw.AppendRow(table.Row{"Task", h.Task})
	tw.AppendRow(table.Row{"Status", h.Status})
	tw.AppendRow(table.Row{"Priority", h.Priority})
	tw.AppendRow(table.Row{"From", deref(h.FromAgent)})
	tw.AppendRow(table.Row{"To", deref(h.ToAgent)})
	if h.SLADeadline != nil {
		tw.AppendRow(table.Row{"Deadline", h.SLADeadline.Local().Format(time.DateTime)})
	}
	if h.FailureReason != nil {
		tw.AppendRow(table.Row{"Failure", *h.FailureReason})
	}
	if len(h.NextStates) > 0 {
		tw.AppendRow(table.Row{"Next", strings.Join(h.NextStates, ", ")})
	}
	tw.Render()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
