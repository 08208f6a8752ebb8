package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/stoik/smsledger/services/reporting-service/internal/aggregate"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print delivery statistics for a time window",
	Long:  "Computes overview, error, latency, opt-out and time series views from the canonical store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, err := newService(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		loc, err := cfg.Reporting.Location()
		if err != nil {
			return err
		}
		window, err := windowFromFlags(cmd).resolve(time.Now(), loc, 24*time.Hour)
		if err != nil {
			return err
		}

		snap, err := svc.engine.Snapshot(ctx, window)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		writeReport(os.Stdout, snap)
		return nil
	},
}

func init() {
	addWindowFlags(reportCmd)
	reportCmd.Flags().Bool("json", false, "Print the snapshot as JSON")

	rootCmd.AddCommand(reportCmd)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	return table
}

func percent(f float64) string {
	return fmt.Sprintf("%.2f%%", f*100)
}

func millis(f float64) string {
	return fmt.Sprintf("%.0f ms", f)
}

func writeReport(w io.Writer, snap aggregate.Snapshot) {
	fmt.Fprintf(w, "Window %s → %s\n\n", snap.Window.Since.Format(time.RFC3339), snap.Window.Until.Format(time.RFC3339))

	ov := snap.Overview
	overview := newTable(w, "Total", "Delivered", "Failed", "Success", "Spend", "Recipients", "Avg latency", "SMS", "MMS", "Inbound")
	overview.Append([]string{
		strconv.Itoa(ov.Total),
		strconv.Itoa(ov.Delivered),
		strconv.Itoa(ov.Failed),
		percent(ov.SuccessRate),
		fmt.Sprintf("$%.2f", ov.Spend),
		strconv.Itoa(ov.Recipients),
		millis(ov.AvgLatencyMs),
		strconv.Itoa(ov.SMS),
		strconv.Itoa(ov.MMS),
		strconv.Itoa(ov.Inbound),
	})
	overview.Render()
	fmt.Fprintln(w)

	lat := snap.Latency
	latency := newTable(w, "P50", "P95", "P99", "Samples")
	latency.Append([]string{millis(lat.P50), millis(lat.P95), millis(lat.P99), strconv.Itoa(lat.Samples)})
	latency.Render()
	fmt.Fprintln(w)

	oo := snap.OptOuts
	optouts := newTable(w, "Meter", "Count", "Rate", "Delivered outbound")
	optouts.Append([]string{"default", strconv.Itoa(oo.DefaultCount), percent(oo.DefaultRate), strconv.Itoa(oo.DeliveredOutbound)})
	optouts.Append([]string{"custom", strconv.Itoa(oo.CustomCount), percent(oo.CustomRate), strconv.Itoa(oo.DeliveredOutbound)})
	optouts.Render()
	fmt.Fprintln(w)

	if len(snap.Errors) > 0 {
		errs := newTable(w, "Code", "Count", "Share", "Severity", "Message")
		for _, e := range snap.Errors {
			errs.Append([]string{strconv.Itoa(e.Code), strconv.Itoa(e.Count), percent(e.Share), string(e.Severity), e.SampleMessage})
		}
		errs.Render()
		fmt.Fprintln(w)
	}

	layout := "2006-01-02 15:04"
	if snap.TimeSeries.Granularity == aggregate.Daily {
		layout = "2006-01-02"
	}
	series := newTable(w, "Bucket ("+snap.TimeSeries.Location+")", "Total", "Delivered", "Failed", "Avg latency")
	for _, p := range snap.TimeSeries.Points {
		series.Append([]string{p.Start.Format(layout), strconv.Itoa(p.Total), strconv.Itoa(p.Delivered), strconv.Itoa(p.Failed), millis(p.AvgLatencyMs)})
	}
	series.Render()

	for _, a := range snap.Alerts {
		fmt.Fprintf(w, "\n[%s] %s\n", a.Severity, a.Message)
	}
}
