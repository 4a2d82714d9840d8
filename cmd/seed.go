package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/leezencounter/leezen/internal/station"
)

var seedCmd = &cobra.Command{
	Use:   "seed <stations.yaml>",
	Short: "Insert or update stations from a YAML file",
	Long:  "Upserts every station listed in the file, keyed on ttn_location_key. Running it twice leaves the table unchanged and reports zero changed rows.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("seed"); err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "seed: open file")
		}
		defer f.Close() //nolint:errcheck

		stations, err := station.LoadSeed(f)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := station.NewService(st).Seed(ctx, stations)
		if err != nil {
			return err
		}
		fmt.Printf("Seeded %d stations (%d inserted or changed)\n", len(stations), n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
