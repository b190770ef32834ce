package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var resultCmd = &cobra.Command{
	Use:   "result <query-id>",
	Short: "Show the query, its latest geocoding cycle and current validation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.GetRecord(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get result")
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <query-id>",
	Short: "List archived and current validation results for a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if _, err := st.GetQuery(ctx, args[0]); err != nil {
			return eris.Wrap(err, "get query")
		}
		history, err := st.ListHistory(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "list history")
		}
		return printJSON(cmd.OutOrStdout(), history)
	},
}

var failuresCmd = &cobra.Command{
	Use:   "failures <batch-id>",
	Short: "List queries whose results could not be persisted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if _, err := st.GetBatch(ctx, args[0]); err != nil {
			return eris.Wrap(err, "get batch")
		}
		failures, err := st.ListFailures(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "list failures")
		}
		return printJSON(cmd.OutOrStdout(), failures)
	},
}

func init() {
	rootCmd.AddCommand(resultCmd, historyCmd, failuresCmd)
}
