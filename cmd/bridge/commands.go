package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/wrapbridge/engine/internal/fees"
	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/storage/postgres"
	"github.com/wrapbridge/engine/internal/types"
)

func newQuoteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "quote <source> <dest> <amount>",
		Short: "Preview the fees of a conversion from the configured fee schedule",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := types.ParseAsset(args[0])
			if err != nil {
				return err
			}
			dest, err := types.ParseAsset(args[1])
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(args[2])
			if err != nil {
				return fmt.Errorf("%w: %q is not a number", types.ErrInvalidAmount, args[2])
			}

			quote, err := fees.NewQuoter(a.logger).Quote(cmd.Context(), source, dest, amount)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "💱 %s %s -> %s\n", amount, source, dest)
			fmt.Fprintf(out, "   protocol fee: %s %s\n", quote.ProtocolFee, source)
			fmt.Fprintf(out, "   network fee:  %s %s\n", quote.NetworkFee, source)
			fmt.Fprintf(out, "   you receive:  %s %s\n", quote.ReceiveAmount(), dest)
			return nil
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	var order string
	cmd := &cobra.Command{
		Use:   "list <owner>",
		Short: "List an owner's conversions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := ledger.NewestFirst
			switch order {
			case "newest":
			case "oldest":
				o = ledger.OldestFirst
			default:
				return fmt.Errorf("%w: --order must be newest or oldest", types.ErrValidation)
			}

			store, closeStore, err := openStore(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			txs, err := ledger.New(store, a.logger).ListByOwner(cmd.Context(), args[0], o)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tPAIR\tAMOUNT\tSTATUS")
			for _, tx := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s->%s\t%s\t%s\n",
					tx.ID, tx.CreatedAt.Format("2006-01-02 15:04"), tx.SourceAsset, tx.DestAsset, tx.Amount, tx.Status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&order, "order", "newest", "newest or oldest first")
	return cmd
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}
			return migrate(cmd.Context(), a.cfg.DatabaseURL)
		},
	}
}

func migrate(ctx context.Context, url string) error {
	pool, err := postgres.Connect(ctx, url)
	if err != nil {
		return err
	}
	defer pool.Close()
	return postgres.NewStore(pool).Migrate(ctx)
}
