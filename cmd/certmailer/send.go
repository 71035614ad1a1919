package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/certmailer/internal/delivery"
)

var (
	sendEvent        string
	sendMode         string
	sendParticipants []string
	sendVerbose      bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Run a bulk send for an event",
	Long: `Run a bulk send for an event.

Modes:
  pending  send to participants that have not been handled yet (default)
  all      also resend certificates and remind participants awaiting feedback
  reset    restart the feedback cycle for every participant`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendEvent, "event", "", "event ID")
	sendCmd.Flags().StringVar(&sendMode, "mode", "pending", "send mode (pending, all, reset)")
	sendCmd.Flags().StringSliceVar(&sendParticipants, "participant", nil, "limit the send to these participant IDs")
	sendCmd.Flags().BoolVarP(&sendVerbose, "verbose", "v", false, "print every outcome")
	_ = sendCmd.MarkFlagRequired("event")

	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	mode, err := delivery.ParseMode(sendMode)
	if err != nil {
		return err
	}

	application, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer application.Close()

	summary, err := application.Dispatcher().SendTo(cmd.Context(), sendEvent, mode, sendParticipants)
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	printSummary(summary, sendVerbose)
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d deliveries failed", summary.Failed, summary.Total)
	}
	return nil
}

func printSummary(s *delivery.Summary, verbose bool) {
	fmt.Printf("Event:      %s\n", s.EventID)
	fmt.Printf("Mode:       %s\n", s.Mode)
	fmt.Printf("Selected:   %d\n", s.Total)
	fmt.Printf("Successful: %d\n", s.Successful)
	fmt.Printf("Failed:     %d\n", s.Failed)
	if s.Cancelled {
		fmt.Printf("Cancelled:  %d not attempted\n", s.Remaining)
	}
	fmt.Printf("Duration:   %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))

	var rows []delivery.Outcome
	for _, o := range s.Outcomes {
		if verbose || !o.Succeeded() {
			rows = append(rows, o)
		}
	}
	if len(rows) == 0 {
		return
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tEMAIL\tACTION\tSTATUS\tERROR")
	for _, o := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.Name, o.Email, o.Action, o.Status, truncate(o.Error, 60))
	}
	w.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
