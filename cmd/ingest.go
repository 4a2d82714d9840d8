package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/leezencounter/leezen/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch recent uplinks from TTN and store them",
	Long:  "Runs one ingestion pass: fetches the trailing time frame from the TTN storage API, validates each detection and upserts it.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if tf, _ := cmd.Flags().GetString("time-frame"); tf != "" {
			cfg.TTN.TimeFrame = tf
		}
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}

		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Run(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		formatIngestResult(os.Stdout, res)
		return nil
	},
}

func formatIngestResult(out io.Writer, res *ingest.Result) {
	_, _ = fmt.Fprintf(out, "Run %s\n", res.RunID)
	_, _ = fmt.Fprintf(out, "  Fetched:      %d (%d unparseable)\n", res.Fetched, res.ParseErrors)
	_, _ = fmt.Fprintf(out, "  Valid:        %d\n", res.Valid)
	_, _ = fmt.Fprintf(out, "  Invalid:      %d\n", res.Invalid)
	_, _ = fmt.Fprintf(out, "  Duplicates:   %d\n", res.Duplicates)
	_, _ = fmt.Fprintf(out, "  Inserted:     %d\n", res.Inserted)
	_, _ = fmt.Fprintf(out, "  Updated:      %d\n", res.Updated)
	if res.Failed > 0 {
		_, _ = fmt.Fprintf(out, "  Failed:       %d\n", res.Failed)
	}
	_, _ = fmt.Fprintf(out, "  Strategy:     %s\n", res.Strategy)
	if res.FallbackReason != "" {
		_, _ = fmt.Fprintf(out, "  Fallback:     %s\n", res.FallbackReason)
	}
}

func init() {
	ingestCmd.Flags().String("time-frame", "", "trailing window to fetch, e.g. 36h (default from config)")
	ingestCmd.Flags().Bool("json", false, "print the full result as JSON")
	rootCmd.AddCommand(ingestCmd)
}
