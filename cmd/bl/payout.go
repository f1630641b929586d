package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyline/internal/app"
	"bountyline/internal/dispatch"
	"bountyline/internal/domain"
)

var allocationHeader = table.Row{"Rank", "ID", "Participant", "Amount", "Currency", "Status", "Chain"}

func allocationRows(items []domain.Allocation) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, a := range items {
		status := a.Status
		if a.Acknowledged {
			status += " (ack)"
		}
		rows = append(rows, table.Row{a.Rank, a.ID, a.ParticipantID, a.Amount, a.Currency, status, a.Chain})
	}
	return rows
}

var attemptHeader = table.Row{"ID", "Allocation", "Rail", "Chain", "#", "Status", "Ref", "Error"}

func attemptRows(items []domain.PayoutAttempt) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, a := range items {
		rows = append(rows, table.Row{a.ID, a.AllocationID, a.Rail, a.Chain, a.Number, a.Status, a.ExternalRef, a.Error})
	}
	return rows
}

func allocationCmd() *cobra.Command {
	alloc := &cobra.Command{
		Use:   "allocation",
		Short: "Inspect and act on allocations",
	}
	alloc.AddCommand(allocationListCmd())
	alloc.AddCommand(allocationShowCmd())
	alloc.AddCommand(allocationAttemptsCmd())
	alloc.AddCommand(allocationActionCmd("dispatch", "Pay one allocation through its rail", func(ctx context.Context, a *app.App, id string) (any, error) {
		att, err := a.Dispatcher.Dispatch(ctx, id, actorID())
		if err != nil {
			return nil, err
		}
		return att, nil
	}))
	alloc.AddCommand(allocationActionCmd("reopen", "Start a new attempt chain for a failed allocation", func(ctx context.Context, a *app.App, id string) (any, error) {
		return a.Dispatcher.Reopen(ctx, id, actorID())
	}))
	alloc.AddCommand(allocationActionCmd("acknowledge", "Accept a failure and release its reserve", func(ctx context.Context, a *app.App, id string) (any, error) {
		return a.Dispatcher.Acknowledge(ctx, id, actorID())
	}))
	return alloc
}

func allocationListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list <pool>",
		Short: "List allocations in rank order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListAllocations(ctx, args[0], status)
				if err != nil {
					return err
				}
				return printTable(items, allocationHeader, allocationRows(items))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func allocationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <allocation>",
		Short: "Show an allocation and its breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				alloc, err := a.Engine.GetAllocation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(alloc)
			})
		},
	}
}

func allocationAttemptsCmd() *cobra.Command {
	var allocationID string
	cmd := &cobra.Command{
		Use:   "attempts <pool>",
		Short: "List payout attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Dispatcher.ListAttempts(ctx, args[0], allocationID)
				if err != nil {
					return err
				}
				return printTable(items, attemptHeader, attemptRows(items))
			})
		},
	}
	cmd.Flags().StringVar(&allocationID, "allocation", "", "only attempts of this allocation")
	return cmd
}

func allocationActionCmd(use, short string, fn func(context.Context, *app.App, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <allocation>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := fn(ctx, a, args[0])
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <pool>",
		Short: "Dispatch every pending allocation of a pool and close it when done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Dispatcher.DispatchPool(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				if err := printTable(report, attemptHeader, attemptRows(report.Attempts)); err != nil {
					return err
				}
				if report.Closed {
					fmt.Printf("pool %s closed\n", report.PoolID)
				} else {
					fmt.Printf("pool %s still has outstanding allocations\n", report.PoolID)
				}
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <pool>",
		Short: "Apply rail outcomes and report disagreements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Dispatcher.Reconcile(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				printReconcileSummary(report)
				return printTable(report.Issues, issueHeader, issueRows(report.Issues))
			})
		},
	}
}

func printReconcileSummary(r dispatch.ReconcileReport) {
	fmt.Printf("checked %d: %d confirmed, %d failed, %d requeued, %d unreachable\n",
		r.Checked, len(r.Confirmed), len(r.Failed), len(r.Requeued), len(r.Unreachable))
	for _, err := range r.Conflicts() {
		fmt.Println("conflict:", err)
	}
}

var issueHeader = table.Row{"ID", "Allocation", "Attempt", "Local", "Rail", "Resolution"}

func issueRows(items []domain.ReconciliationIssue) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, i := range items {
		rows = append(rows, table.Row{i.ID, i.AllocationID, i.AttemptID, i.LocalStatus, i.RailStatus, i.Resolution})
	}
	return rows
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{Use: "issue", Short: "Reconciliation issues"}
	var open bool
	list := &cobra.Command{
		Use:   "list <pool>",
		Short: "List reconciliation issues",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Dispatcher.ListIssues(ctx, args[0], open)
				if err != nil {
					return err
				}
				return printTable(items, issueHeader, issueRows(items))
			})
		},
	}
	list.Flags().BoolVar(&open, "open", false, "only unresolved issues")
	var resolution string
	resolve := &cobra.Command{
		Use:   "resolve <issue>",
		Short: "Record how an issue was resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Dispatcher.ResolveIssue(ctx, args[0], resolution, actorID())
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	resolve.Flags().StringVar(&resolution, "resolution", "", "what the operator did")
	_ = resolve.MarkFlagRequired("resolution")
	issue.AddCommand(list, resolve)
	return issue
}
