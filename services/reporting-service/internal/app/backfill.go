package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/stoik/smsledger/services/reporting-service/internal/backfill"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Run one backfill over a time window",
	Long:  "Pages through the provider message log for a window and merges every message into the canonical store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, err := newService(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		client, err := svc.providerClient()
		if err != nil {
			return err
		}

		if ping, _ := cmd.Flags().GetBool("ping"); ping {
			pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := client.Ping(pingCtx); err != nil {
				return fmt.Errorf("provider connection failed: %w", err)
			}
			fmt.Println("✓ Provider connection OK")
			return nil
		}

		loc, err := cfg.Reporting.Location()
		if err != nil {
			return err
		}
		window, err := windowFromFlags(cmd).resolve(time.Now().UTC(), loc, cfg.Backfill.Lookback)
		if err != nil {
			return err
		}
		resume, _ := cmd.Flags().GetString("resume")

		report := svc.orchestratorFor(client).Run(ctx, window, resume)
		printRunReport(os.Stdout, report)

		switch report.Outcome {
		case backfill.OutcomeCompleted, backfill.OutcomeCancelled:
			return nil
		case backfill.OutcomePageLimit, backfill.OutcomeFetchFailed, backfill.OutcomeStoreFailed:
			return fmt.Errorf("backfill stopped (%s): %w; resume with --resume %q", report.Outcome, report.Err, report.StoppedAt)
		default:
			return fmt.Errorf("backfill failed (%s): %w", report.Outcome, report.Err)
		}
	},
}

func init() {
	addWindowFlags(backfillCmd)
	backfillCmd.Flags().String("resume", "", "Cursor to resume from (StoppedAt of a previous run)")
	backfillCmd.Flags().Bool("ping", false, "Only check the provider credentials and exit")

	rootCmd.AddCommand(backfillCmd)
}

func addWindowFlags(cmd *cobra.Command) {
	cmd.Flags().String("since", "", "Window start (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().String("until", "", "Window end (YYYY-MM-DD inclusive, or RFC 3339); defaults to now")
	cmd.Flags().Int("hours", 0, "Trailing window length in hours when --since is not set")
}

func windowFromFlags(cmd *cobra.Command) windowArgs {
	since, _ := cmd.Flags().GetString("since")
	until, _ := cmd.Flags().GetString("until")
	hours, _ := cmd.Flags().GetInt("hours")
	return windowArgs{Since: since, Until: until, Hours: hours}
}

func printRunReport(w io.Writer, r backfill.RunReport) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Field", "Value"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	rows := [][]string{
		{"Run", r.RunID.String()},
		{"Window", fmt.Sprintf("%s → %s", r.Window.Since.Format(time.RFC3339), r.Window.Until.Format(time.RFC3339))},
		{"Outcome", string(r.Outcome)},
		{"Pages", strconv.Itoa(r.PagesFetched)},
		{"Created", strconv.Itoa(r.RecordsCreated)},
		{"Updated", strconv.Itoa(r.RecordsUpdated)},
		{"Unchanged", strconv.Itoa(r.RecordsUnchanged)},
		{"Skipped", strconv.Itoa(r.RecordsSkipped)},
		{"Throughput", fmt.Sprintf("%.1f records/s", r.Throughput)},
		{"Elapsed", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()},
	}
	if r.StoppedAt != "" {
		rows = append(rows, []string{"Stopped at", r.StoppedAt})
	}
	for _, f := range r.Failures {
		rows = append(rows, []string{"Failure", f})
	}
	table.AppendBulk(rows)
	table.Render()
}
