package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/certmailer/internal/models"
	"github.com/foxzi/certmailer/internal/report"
)

var (
	resultsEvent     string
	resultsCSV       bool
	resultsFeedback  bool
	resultsAnonymous bool
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show delivery results of an event",
	RunE:  runResults,
}

func init() {
	resultsCmd.Flags().StringVar(&resultsEvent, "event", "", "event ID")
	resultsCmd.Flags().BoolVar(&resultsCSV, "csv", false, "write the results CSV to stdout")
	resultsCmd.Flags().BoolVar(&resultsFeedback, "feedback", false, "write the feedback CSV to stdout")
	resultsCmd.Flags().BoolVar(&resultsAnonymous, "anonymous", false, "omit names and emails from the feedback CSV")
	_ = resultsCmd.MarkFlagRequired("event")

	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	application, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer application.Close()

	reports := application.Reports()
	switch {
	case resultsFeedback:
		return reports.FeedbackCSV(ctx, resultsEvent, resultsAnonymous, os.Stdout)
	case resultsCSV:
		return reports.ResultsCSV(ctx, resultsEvent, os.Stdout)
	}

	res, err := reports.Results(ctx, resultsEvent)
	if err != nil {
		return err
	}
	ps, err := reports.Participants(ctx, resultsEvent)
	if err != nil {
		return err
	}
	printResults(res, ps)
	return nil
}

func printResults(res *report.Results, ps []*models.Participant) {
	st := res.Statistics
	fmt.Printf("Event:    %s (%s)\n", res.EventName, res.EventID)
	fmt.Printf("Status:   %s\n", res.EventStatus)
	fmt.Printf("Feedback: %t\n\n", res.FeedbackEnabled)

	fmt.Printf("Total:             %d\n", st.Total)
	fmt.Printf("Pending:           %d\n", st.Pending)
	fmt.Printf("Feedback sent:     %d\n", st.FeedbackSent)
	fmt.Printf("Feedback received: %d\n", st.FeedbackReceived)
	fmt.Printf("Certificate sent:  %d\n", st.CertificateSent)
	fmt.Printf("Failed:            %d\n", st.Failed)

	if len(ps) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tEMAIL\tSTATUS\tERROR")
	for _, p := range ps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Email, p.Status, truncate(p.LastError, 60))
	}
	w.Flush()
}
