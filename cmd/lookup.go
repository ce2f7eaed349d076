package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arcfin/ledgersync/internal/lookup"
)

var (
	lookupSource   string
	lookupSheet    string
	lookupSheetIdx int
)

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Import purchase histories used for deterministic enrichment",
}

var lookupOrdersCmd = &cobra.Command{
	Use:   "orders <file.csv>",
	Short: "Import an e-commerce order history CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLookupCSV(cmd, args[0], func(im *lookup.Importer, f *os.File) (lookup.Result, error) {
			return im.ImportOrdersCSV(cmd.Context(), lookupSource, f)
		})
	},
}

var lookupReturnsCmd = &cobra.Command{
	Use:   "returns <file.csv>",
	Short: "Import an e-commerce returns CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLookupCSV(cmd, args[0], func(im *lookup.Importer, f *os.File) (lookup.Result, error) {
			return im.ImportReturnsCSV(cmd.Context(), lookupSource, f)
		})
	},
}

var lookupAppStoreCmd = &cobra.Command{
	Use:   "appstore <file.xlsx>",
	Short: "Import an app-store purchase report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := lookup.NewImporter(st).ImportAppStoreXLSX(ctx, lookupSource, args[0], lookup.XLSXOptions{
			SheetIndex: lookupSheetIdx,
			SheetName:  lookupSheet,
		})
		if err != nil {
			return err
		}
		printLookupResult(res)
		return nil
	},
}

func runLookupCSV(cmd *cobra.Command, path string, fn func(*lookup.Importer, *os.File) (lookup.Result, error)) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := fn(lookup.NewImporter(st), f)
	if err != nil {
		return err
	}
	printLookupResult(res)
	return nil
}

func printLookupResult(res lookup.Result) {
	fmt.Printf("read %d rows: %d inserted, %d already known, %d skipped\n",
		res.Read, res.Inserted, int64(res.Read)-res.Inserted, res.Skipped)
}

func init() {
	lookupCmd.PersistentFlags().StringVar(&lookupSource, "source", "", "source label, e.g. the shop or store name (required)")
	_ = lookupCmd.MarkPersistentFlagRequired("source")

	lookupAppStoreCmd.Flags().StringVar(&lookupSheet, "sheet", "", "sheet name (default first sheet)")
	lookupAppStoreCmd.Flags().IntVar(&lookupSheetIdx, "sheet-index", 0, "sheet index when --sheet is unset")

	lookupCmd.AddCommand(lookupOrdersCmd, lookupReturnsCmd, lookupAppStoreCmd)
	rootCmd.AddCommand(lookupCmd)
}
