package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"atomintents/services/settlementd/settlement"
	"atomintents/services/settlementd/storage"
)

type recordView struct {
	storage.Record
	Recovery settlement.RecoveryAction `json:"recovery"`
}

func (c *cli) stuckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stuck",
		Short: "List non-terminal settlements that have not moved within the stuck threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			threshold := c.v.GetDuration("stuck-threshold")
			if threshold <= 0 {
				return fmt.Errorf("stuck threshold must be positive")
			}
			records, err := c.store.ListStuck(cmd.Context(), c.now().Add(-threshold))
			if err != nil {
				return err
			}
			return c.printRecords(cmd.OutOrStdout(), records)
		},
	}
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <settlement-id>...",
		Short: "Show settlements with their recommended recovery action",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records := make([]storage.Record, len(args))
			group, ctx := errgroup.WithContext(cmd.Context())
			group.SetLimit(8)
			for i, id := range args {
				i, id := i, id
				group.Go(func() error {
					rec, err := c.store.Get(ctx, id)
					if err != nil {
						return err
					}
					records[i] = rec
					return nil
				})
			}
			if err := group.Wait(); err != nil {
				return err
			}
			return c.printRecords(cmd.OutOrStdout(), records)
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <settlement-id>",
		Short: "Print the transition history of a settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := c.store.GetHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.json() {
				return writeJSON(out, history)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIMESTAMP\tFROM\tTO\tTX\tDETAILS")
			for _, t := range history {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.Timestamp.Format(time.RFC3339), dash(string(t.FromStatus)),
					t.ToStatus, dash(t.TxHash), dash(t.Details))
			}
			return tw.Flush()
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var (
		status   string
		solverID string
		intentID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List settlements by status, solver or intent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				records []storage.Record
				err     error
			)
			ctx := cmd.Context()
			switch {
			case intentID != "":
				records, err = c.store.GetByIntent(ctx, intentID)
			case solverID != "":
				records, err = c.store.ListBySolver(ctx, solverID, limit)
			case status != "":
				st := storage.Status(status)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				records, err = c.store.ListByStatus(ctx, st, limit)
			default:
				return fmt.Errorf("one of --status, --solver or --intent is required")
			}
			if err != nil {
				return err
			}
			return c.printRecords(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "settlement status")
	cmd.Flags().StringVar(&solverID, "solver", "", "solver id")
	cmd.Flags().StringVar(&intentID, "intent", "", "intent id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func (c *cli) printRecords(out io.Writer, records []storage.Record) error {
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, recordView{Record: rec, Recovery: settlement.RecommendRecovery(rec)})
	}
	if c.json() {
		return writeJSON(out, views)
	}
	now := c.now()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSOLVER\tINPUT\tOUTPUT\tIDLE\tRECOVERY")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%s %s\t%s\t%s\n", v.ID, v.Status, dash(v.SolverID),
			v.InputAsset.Amount, v.InputAsset.Denom, v.OutputAsset.Amount, v.OutputAsset.Denom,
			now.Sub(v.UpdatedAt).Truncate(time.Second), v.Recovery)
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
