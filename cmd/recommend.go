package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-cli/internal/scorer"
)

var recommendCmd = &cobra.Command{
	Use:   "recommend <id>",
	Short: "Score a record's marketplace links and print the recommendation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		engine, err := scorer.NewEngine(cfg.Scoring)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.GetCanonicalRecord(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := scorer.NewRecommender(engine, st).Recommend(ctx, rec)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	rootCmd.AddCommand(recommendCmd)
}
