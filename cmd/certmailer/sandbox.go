package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/certmailer/internal/sandbox"
)

var (
	sandboxListTo    string
	sandboxListTag   string
	sandboxListLimit int
	sandboxClearDays int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect messages captured in sandbox mode",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxExportCmd = &cobra.Command{
	Use:   "export <message_id> <file>",
	Short: "Export a captured message to an .eml file",
	Args:  cobra.ExactArgs(2),
	RunE:  runSandboxExport,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete captured messages",
	RunE:  runSandboxClear,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListTo, "to", "", "filter by recipient")
	sandboxListCmd.Flags().StringVar(&sandboxListTag, "tag", "", "filter by tag (feedback_request, certificate)")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "maximum number of messages to show")
	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "only delete messages older than this many days")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxExportCmd, sandboxClearCmd)
	rootCmd.AddCommand(sandboxCmd)
}

// openSandboxStorage opens the bolt file holding captured messages.
// The server must not be running since bolt allows a single writer process.
func openSandboxStorage() (*sandbox.Storage, *bolt.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	path := cfg.Storage.StatePath
	if cfg.UsesBolt() {
		path = cfg.Storage.Path
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	storage, err := sandbox.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return storage, db, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	messages, err := storage.List(cmd.Context(), sandbox.ListFilter{
		To:    sandboxListTo,
		Tag:   sandboxListTag,
		Limit: sandboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No messages in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tTAG\tTO\tSUBJECT\tCAPTURED")
	fmt.Fprintln(w, "--\t----\t---\t--\t-------\t--------")
	for _, msg := range messages {
		to := msg.To
		if msg.OriginalTo != "" {
			to = msg.OriginalTo + " -> " + msg.To
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			msg.ID, msg.Mode, msg.Tag, to, truncate(msg.Subject, 40),
			msg.CapturedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()

	fmt.Printf("\nTotal: %d messages\n", len(messages))
	return nil
}

func runSandboxExport(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	msg, err := storage.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message not found: %s", args[0])
	}

	if err := os.WriteFile(args[1], msg.Data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	fmt.Printf("Message exported to %s (%d bytes)\n", args[1], len(msg.Data))
	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	olderThan := time.Duration(sandboxClearDays) * 24 * time.Hour
	n, err := storage.Clear(cmd.Context(), olderThan)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}
	fmt.Printf("Deleted %d messages\n", n)
	return nil
}
