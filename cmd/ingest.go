package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/dedup"
	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

const maxLineBytes = 1 << 20

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Dedup JSON-lines canonical records into the catalog",
	Long:  "Reads one canonical record per line (use - for stdin), merges each into a matching record or creates it, and prints the counts.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		in := io.Reader(os.Stdin)
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return eris.Wrap(err, "open ingest file")
			}
			defer f.Close() //nolint:errcheck
			in = f
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var opts []dedup.Option
		if cfg.Suppliers.Path != "" {
			reg, err := registry.LoadSuppliers(cfg.Suppliers.Path)
			if err != nil {
				return err
			}
			opts = append(opts, dedup.WithScopeChecker(reg))
			zap.L().Info("supplier registry loaded", zap.Int("suppliers", reg.Len()))
		}

		d, err := dedup.New(st, dedup.Config{
			FuzzyThreshold:    cfg.Dedup.FuzzyThreshold,
			CandidatePageSize: cfg.Dedup.CandidatePageSize,
		}, opts...)
		if err != nil {
			return err
		}

		counts, err := ingestRecords(ctx, d, in)
		if err != nil {
			return err
		}
		zap.L().Info("ingest complete",
			zap.Int("created", counts.Created),
			zap.Int("merged", counts.Merged),
			zap.Int("rejected", counts.Rejected),
		)
		return printJSON(counts)
	},
}

// ingestCounts summarizes one ingest.
type ingestCounts struct {
	Created  int            `json:"created"`
	Merged   int            `json:"merged"`
	Rejected int            `json:"rejected"`
	Methods  map[string]int `json:"methods,omitempty"`
}

type ingester interface {
	Ingest(ctx context.Context, incoming model.CanonicalRecord) (*dedup.IngestResult, error)
}

// ingestRecords feeds each JSON line through d. Malformed lines and input
// errors are counted and skipped; any other error stops the ingest.
func ingestRecords(ctx context.Context, d ingester, r io.Reader) (*ingestCounts, error) {
	counts := &ingestCounts{Methods: map[string]int{}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var rec model.CanonicalRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			zap.L().Warn("skipping malformed line", zap.Int("line", line), zap.Error(err))
			counts.Rejected++
			continue
		}
		res, err := d.Ingest(ctx, rec)
		if resilience.IsInput(err) {
			zap.L().Warn("rejected record", zap.Int("line", line), zap.String("id", rec.ID), zap.Error(err))
			counts.Rejected++
			continue
		}
		if err != nil {
			return counts, eris.Wrapf(err, "ingest line %d", line)
		}
		if res.Created {
			counts.Created++
			continue
		}
		counts.Merged++
		if res.Method != "" {
			counts.Methods[string(res.Method)]++
		}
	}
	if err := sc.Err(); err != nil {
		return counts, eris.Wrap(err, "read ingest input")
	}
	return counts, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
