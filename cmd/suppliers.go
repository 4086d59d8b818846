package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-cli/internal/registry"
)

var suppliersJSON bool

var suppliersCmd = &cobra.Command{
	Use:   "suppliers",
	Short: "List the suppliers in the registry file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Suppliers.Path == "" {
			return eris.New("suppliers.path is not configured (CATALOG_SUPPLIERS_PATH)")
		}
		reg, err := registry.LoadSuppliers(cfg.Suppliers.Path)
		if err != nil {
			return err
		}
		if suppliersJSON {
			return printJSON(reg.All())
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSOURCE\tACCEPTS") //nolint:errcheck
		for _, s := range reg.All() {
			source := "-"
			if s.Source != nil {
				source = string(s.Source.Kind())
			}
			accepts := "yes"
			if reg.Accepts(s.ID) != nil {
				accepts = "no"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Status, source, accepts) //nolint:errcheck
		}
		return w.Flush()
	},
}

func init() {
	suppliersCmd.Flags().BoolVar(&suppliersJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(suppliersCmd)
}
