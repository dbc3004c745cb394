package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	tipengine "github.com/tink-protocol/tipengine"
	"github.com/tink-protocol/tipengine/config"
	"github.com/tink-protocol/tipengine/split"
)

var tipOptionsJSON bool

var tipOptionsCmd = &cobra.Command{
	Use:   "tip-options [bill]",
	Short: "Print the preset tip menu for a bill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bill, err := decimal.NewFromString(args[0])
		if err != nil {
			return fmt.Errorf("invalid bill amount %q", args[0])
		}
		set, err := tipengine.TipOptions(bill)
		if err != nil {
			return err
		}

		if tipOptionsJSON {
			return json.NewEncoder(os.Stdout).Encode(set)
		}
		for _, o := range set.Options {
			fmt.Printf("%3s%%  tip $%s  total $%s\n", o.Percentage.String(), o.Amount.StringFixed(2), o.Total.StringFixed(2))
		}
		fmt.Printf("round up  tip $%s  total $%s\n", set.RoundUp.TipAmount.StringFixed(2), set.RoundUp.Total.StringFixed(2))
		return nil
	},
}

var splitFilePath string

var splitCmd = &cobra.Command{
	Use:   "split [tip]",
	Short: "Allocate a tip across staff groups",
	Long: `Allocate a tip using the default split (60/30/10) or a YAML split file.

Examples:
  tipengine split 1.50
  tipengine split 12.00 --file split.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tip, err := decimal.NewFromString(args[0])
		if err != nil || tip.IsNegative() {
			return fmt.Errorf("invalid tip amount %q", args[0])
		}

		shares := split.DefaultConfig()
		if splitFilePath != "" {
			if shares, err = config.LoadSplitFile(splitFilePath); err != nil {
				return err
			}
		}

		allocs := split.Split(tip, shares)
		fmt.Println(split.Format(tip, allocs))
		if drift := split.Drift(tip, allocs); !drift.IsZero() && verbose {
			fmt.Printf("rounding drift: $%s\n", drift.StringFixed(2))
		}
		return nil
	},
}

func init() {
	tipOptionsCmd.Flags().BoolVarP(&tipOptionsJSON, "json", "j", false, "output as JSON")
	splitCmd.Flags().StringVarP(&splitFilePath, "file", "f", "", "YAML split configuration")
}
