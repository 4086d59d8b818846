package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/batch"
	"github.com/sells-group/catalog-cli/internal/model"
)

var (
	batchLimit    int
	batchSelector string
	batchScope    string
	batchAfter    string
)

var batchCmd = &cobra.Command{
	Use:   "run-batch",
	Short: "Resolve records needing marketplace lookups in rate-limited chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initCatalog(ctx, "resolve")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Orchestrator.Run(ctx, batch.RunRequest{
			Selector: model.SelectorMode(batchSelector),
			Scope:    batchScope,
			MaxItems: batchLimit,
			After:    batchAfter,
		})
		if summary == nil {
			return err
		}
		if err != nil {
			zap.L().Error("batch run stopped early", zap.Error(err))
		}
		if perr := printJSON(summary); perr != nil {
			return perr
		}
		return err
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max records to process (0 = until drained)")
	batchCmd.Flags().StringVar(&batchSelector, "selector", string(model.SelectAllDue), "unresolved, retry_due or all_due")
	batchCmd.Flags().StringVar(&batchScope, "scope", "", "only records of this supplier")
	batchCmd.Flags().StringVar(&batchAfter, "after", "", "resume after this record id")
	rootCmd.AddCommand(batchCmd)
}
