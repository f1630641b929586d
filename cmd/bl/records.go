package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"bountyline/internal/app"
	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/ledger"
	"bountyline/internal/repo"
)

func participantCmd() *cobra.Command {
	part := &cobra.Command{Use: "participant", Short: "Manage participants and payout methods"}
	var p domain.Participant
	add := &cobra.Command{
		Use:   "add",
		Short: "Register or update a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.RegisterParticipant(ctx, p, actorID())
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	add.Flags().StringVar(&p.ID, "id", "", "participant id")
	add.Flags().StringVar(&p.Rail, "rail", "", "settlement rail name")
	add.Flags().StringVar(&p.Destination, "destination", "", "account on the rail")
	_ = add.MarkFlagRequired("id")
	list := &cobra.Command{
		Use:   "list",
		Short: "List participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListParticipants(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Rail, p.Destination, p.UpdatedAt})
				}
				return printTable(items, table.Row{"ID", "Rail", "Destination", "Updated"}, rows)
			})
		},
	}
	part.AddCommand(add, list)
	return part
}

func scoreCmd() *cobra.Command {
	score := &cobra.Command{Use: "score", Short: "Record judged scores"}
	score.AddCommand(scoreAddCmd())
	score.AddCommand(scoreImportCmd())
	score.AddCommand(scoreListCmd())
	return score
}

func scoreAddCmd() *cobra.Command {
	var rec domain.ScoreRecord
	var at string
	cmd := &cobra.Command{
		Use:   "add <pool>",
		Short: "Record one score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec.PoolID = args[0]
			rec.SubmittedAt = time.Now().UTC()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339Nano, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				rec.SubmittedAt = parsed.UTC()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RecordScore(ctx, rec, actorID())
			})
		},
	}
	cmd.Flags().StringVar(&rec.ParticipantID, "participant", "", "participant id")
	cmd.Flags().StringVar(&rec.Criterion, "criterion", "overall", "score criterion")
	cmd.Flags().Float64Var(&rec.Score, "score", 0, "score value")
	cmd.Flags().StringVar(&at, "at", "", "submission time (RFC 3339, default now)")
	_ = cmd.MarkFlagRequired("participant")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func scoreImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import <pool>",
		Short: "Import a YAML or JSON score batch in one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := config.ScoresFromFile(args[0], file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RecordScores(ctx, args[0], recs, actorID()); err != nil {
					return err
				}
				fmt.Printf("recorded %d scores\n", len(recs))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "score file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func scoreListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <pool>",
		Short: "Show current submissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Submissions(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, s := range items {
					rows = append(rows, table.Row{s.ParticipantID, fmt.Sprint(s.Scores), s.SubmittedAt.Format(time.RFC3339)})
				}
				return printTable(items, table.Row{"Participant", "Scores", "Submitted"}, rows)
			})
		},
	}
}

var balanceHeader = table.Row{"Deposited", "Refunded", "Allocated", "Released", "Paid", "Custody", "Last Seq"}

func balanceRows(b domain.Balance) []table.Row {
	return []table.Row{{b.Deposited, b.Refunded, b.Allocated, b.Released, b.Paid, b.Custody(), b.LastSeq}}
}

func ledgerCmd() *cobra.Command {
	led := &cobra.Command{Use: "ledger", Short: "Inspect the append-only ledger"}
	var asOf int64
	show := &cobra.Command{
		Use:   "show <pool>",
		Short: "List ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.LedgerEntries(ctx, args[0], asOf)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, table.Row{e.Seq, e.Kind, e.Delta, e.Reason, e.Ref, e.TS})
				}
				return printTable(entries, table.Row{"Seq", "Kind", "Delta", "Reason", "Ref", "TS"}, rows)
			})
		},
	}
	show.Flags().Int64Var(&asOf, "as-of", 0, "last sequence to include (0 for all)")
	var replayAsOf int64
	replay := &cobra.Command{
		Use:   "replay <pool>",
		Short: "Fold ledger entries into a balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.LedgerEntries(ctx, args[0], replayAsOf)
				if err != nil {
					return err
				}
				b, err := ledger.Replay(entries)
				if err != nil {
					return err
				}
				return printTable(b, balanceHeader, balanceRows(b))
			})
		},
	}
	replay.Flags().Int64Var(&replayAsOf, "as-of", 0, "last sequence to include (0 for all)")
	led.AddCommand(show, replay)
	return led
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{Use: "audit", Short: "Audit exports"}
	var asOf int64
	var format, out string
	export := &cobra.Command{
		Use:   "export <pool>",
		Short: "Export a point-in-time view of a pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				export, err := a.Engine.ExportAudit(ctx, args[0], asOf)
				if err != nil {
					return err
				}
				data, err := engine.MarshalAudit(export, format)
				if err != nil {
					return err
				}
				if out == "" {
					_, err = os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	export.Flags().Int64Var(&asOf, "as-of", 0, "last ledger sequence to include (0 for all)")
	export.Flags().StringVar(&format, "format", "yaml", "json or yaml")
	export.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	aud.AddCommand(export)
	return aud
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(events))
				for _, e := range events {
					rows = append(rows, table.Row{e.ID, e.TS, e.Type, e.PoolID, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				return printTable(events, table.Row{"ID", "TS", "Type", "Pool", "Entity", "Actor"}, rows)
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.PoolID, "pool", "", "pool id")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}
