package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-cli/internal/enrich"
	"github.com/sells-group/catalog-cli/internal/model"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Run the next marketplace lookup for one record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initCatalog(ctx, "resolve")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Store.GetCanonicalRecord(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := env.Resolver.Resolve(ctx, rec)
		if err != nil {
			return eris.Wrapf(err, "resolve %s", rec.ID)
		}
		return printJSON(newOutcomeView(out))
	},
}

// outcomeView is the printed form of a resolve outcome.
type outcomeView struct {
	SubjectID      string             `json:"subject_id"`
	Status         model.LookupStatus `json:"status"`
	Method         model.Method       `json:"method,omitempty"`
	Confidence     float64            `json:"confidence"`
	Deferred       bool               `json:"deferred"`
	NextMethod     *model.Method      `json:"next_method,omitempty"`
	RetryNotBefore *time.Time         `json:"retry_not_before,omitempty"`
	Matches        []matchView        `json:"matches"`
}

type matchView struct {
	ExternalID       string  `json:"external_id"`
	Title            string  `json:"title"`
	Confidence       float64 `json:"confidence"`
	DirectEquivalent bool    `json:"direct_equivalent"`
}

func newOutcomeView(o *enrich.Outcome) outcomeView {
	v := outcomeView{
		SubjectID:      o.SubjectID,
		Status:         o.Status,
		Method:         o.Method,
		Confidence:     o.Confidence,
		Deferred:       o.Deferred,
		NextMethod:     o.NextMethod,
		RetryNotBefore: o.RetryNotBefore,
		Matches:        make([]matchView, 0, len(o.Matches)),
	}
	for _, m := range o.Matches {
		v.Matches = append(v.Matches, matchView{
			ExternalID:       m.Target.ExternalID,
			Title:            m.Target.Title,
			Confidence:       m.Confidence,
			DirectEquivalent: m.DirectEquivalent,
		})
	}
	return v
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
