package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bountyline/internal/app"
	"bountyline/internal/config"
	"bountyline/internal/domain"
)

func poolCmd() *cobra.Command {
	pool := &cobra.Command{
		Use:   "pool",
		Short: "Manage bounty pools",
	}
	pool.AddCommand(poolCreateCmd())
	pool.AddCommand(poolListCmd())
	pool.AddCommand(poolShowCmd())
	pool.AddCommand(poolRulesCmd())
	pool.AddCommand(poolDepositCmd())
	pool.AddCommand(poolTransitionCmd())
	pool.AddCommand(poolActionCmd("lock", "Lock submissions and freeze the rule set", func(ctx context.Context, a *app.App, id string) error {
		return a.Engine.LockPool(ctx, id, actorID())
	}))
	pool.AddCommand(poolActionCmd("close", "Close a pool whose allocations are all settled", func(ctx context.Context, a *app.App, id string) error {
		return a.Engine.ClosePool(ctx, id, actorID())
	}))
	pool.AddCommand(poolDistributeCmd())
	pool.AddCommand(poolHaltCmd())
	pool.AddCommand(poolCancelCmd())
	pool.AddCommand(poolVerifyCmd())
	pool.AddCommand(poolLeaseCmd())
	return pool
}

func poolRows(items []domain.Pool) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, p := range items {
		rows = append(rows, table.Row{p.ID, p.Status, p.Currency, p.TotalDeposited, p.TotalAllocated, p.TotalPaid, p.TotalReleased + p.TotalRefunded})
	}
	return rows
}

var poolHeader = table.Row{"ID", "Status", "Currency", "Deposited", "Allocated", "Paid", "Returned"}

func poolCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pool from a YAML or JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.PoolConfigFromFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreatePool(ctx, cfg, actorID())
				if err != nil {
					return err
				}
				return printTable(p, poolHeader, poolRows([]domain.Pool{p}))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "pool document")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func poolListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListPools(ctx, status)
				if err != nil {
					return err
				}
				return printTable(items, poolHeader, poolRows(items))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func poolShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pool>",
		Short: "Show a pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetPool(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func poolRulesCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "rules <pool>",
		Short: "Replace the rule set of a draft pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var rules domain.RuleSet
			if err := yaml.Unmarshal(data, &rules); err != nil {
				return fmt.Errorf("decode rules: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.UpdateRules(ctx, args[0], rules, actorID())
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rule set document")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func poolDepositCmd() *cobra.Command {
	var amount int64
	var source string
	cmd := &cobra.Command{
		Use:   "deposit <pool>",
		Short: "Record a deposit in minor units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entry, err := a.Engine.RecordDeposit(ctx, args[0], amount, source, actorID())
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	cmd.Flags().StringVar(&source, "source", "", "deposit reference")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func poolTransitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transition <pool> <status>",
		Short: "Move a pool to another lifecycle status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Transition(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printTable(p, poolHeader, poolRows([]domain.Pool{p}))
			})
		},
	}
}

func poolActionCmd(use, short string, fn func(context.Context, *app.App, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <pool>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := fn(ctx, a, args[0]); err != nil {
					return err
				}
				p, err := a.Engine.GetPool(ctx, args[0])
				if err != nil {
					return err
				}
				return printTable(p, poolHeader, poolRows([]domain.Pool{p}))
			})
		},
	}
}

func poolDistributeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "distribute <pool>",
		Short: "Snapshot submissions, compute allocations and reserve funds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				allocs, err := a.Engine.StartDistribution(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printTable(allocs, allocationHeader, allocationRows(allocs))
			})
		},
	}
}

func poolHaltCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "halt <pool>",
		Short: "Cancel allocations that have not been dispatched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				allocs, err := a.Engine.HaltDistribution(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printTable(allocs, allocationHeader, allocationRows(allocs))
			})
		},
	}
}

func poolCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <pool>",
		Short: "Cancel a draft or open pool and refund its custody",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entry, err := a.Engine.CancelPool(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func poolVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <pool>",
		Short: "Replay the ledger and compare it with the pool totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.VerifyLedger(ctx, args[0])
				if err != nil {
					return err
				}
				return printTable(b, balanceHeader, balanceRows(b))
			})
		},
	}
}

func poolLeaseCmd() *cobra.Command {
	lease := &cobra.Command{Use: "lease", Short: "Hold or release the distribution lease"}
	var ttl time.Duration
	claim := &cobra.Command{
		Use:   "claim <pool>",
		Short: "Claim or renew the lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				l, err := a.Engine.ClaimLease(ctx, args[0], actorID(), ttl)
				if err != nil {
					return err
				}
				return printJSON(l)
			})
		},
	}
	claim.Flags().DurationVar(&ttl, "ttl", 0, "lease duration (default from config)")
	release := &cobra.Command{
		Use:   "release <pool>",
		Short: "Release the lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.ReleaseLease(ctx, args[0], actorID())
			})
		},
	}
	lease.AddCommand(claim, release)
	return lease
}
