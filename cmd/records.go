package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/leezencounter/leezen/internal/model"
	"github.com/leezencounter/leezen/internal/occupancy"
	"github.com/leezencounter/leezen/internal/store"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List stored detection records, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("records"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		device, _ := cmd.Flags().GetString("device")
		location, _ := cmd.Flags().GetString("location")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		recs, total, err := st.ListRecords(ctx, store.RecordFilter{
			DeviceID: device,
			Location: location,
			Limit:    limit,
			Offset:   offset,
		})
		if err != nil {
			return eris.Wrap(err, "records list")
		}

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No records found.")
			return nil
		}

		formatRecordsList(os.Stdout, recs)
		fmt.Fprintf(os.Stderr, "Showing %d of %d records.\n", len(recs), total)
		return nil
	},
}

var stationsCmd = &cobra.Command{
	Use:   "stations",
	Short: "List stations with their latest occupancy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("records"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		all, err := occupancy.NewService(st, cfg.Frame).LatestAll(ctx)
		if err != nil {
			return eris.Wrap(err, "stations list")
		}
		if len(all) == 0 {
			fmt.Fprintln(os.Stderr, "No stations found.")
			return nil
		}
		formatOccupancyList(os.Stdout, all)
		return nil
	},
}

func formatRecordsList(out io.Writer, recs []model.DetectionRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DEVICE\tLOCATION\tRECEIVED\tCAPTURED\tBIKES\tBOXES")
	_, _ = fmt.Fprintln(w, "------\t--------\t--------\t--------\t-----\t-----")

	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			r.DeviceID,
			r.Location,
			r.ReceivedAt.UTC().Format("2006-01-02 15:04:05"),
			r.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			r.TotalDetected,
			len(r.Predictions),
		)
	}
	_ = w.Flush()
}

func formatOccupancyList(out io.Writer, all []occupancy.Occupancy) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tBIKES\tCAPACITY\tPERCENT\tOBSERVED")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t--------\t-------\t--------")

	for _, o := range all {
		observed := "-"
		if o.ObservedAt != nil {
			observed = o.ObservedAt.UTC().Format("2006-01-02 15:04")
		}
		pct := strconv.FormatFloat(o.Percent, 'f', 0, 64) + "%"
		if o.Overfull {
			pct += " (overfull)"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n",
			o.StationID, o.Name, o.Bikes, o.Capacity, pct, observed)
	}
	_ = w.Flush()
}

func init() {
	recordsCmd.Flags().String("device", "", "filter by device id")
	recordsCmd.Flags().String("location", "", "filter by TTN location key")
	recordsCmd.Flags().Int("limit", store.DefaultListLimit, "max number of records to display")
	recordsCmd.Flags().Int("offset", 0, "number of records to skip")

	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(stationsCmd)
}
