package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/certmailer/internal/dnscheck"
	"github.com/foxzi/certmailer/internal/mail"
)

var (
	dnsDomain   string
	dnsSelector string
	dnsKeyFile  string
)

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "Sender domain DNS commands",
}

var dnsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check SPF, DKIM, DMARC and MX records of the sender domain",
	Long: `Check the DNS records receivers use to accept mail from the configured sender.

Without --domain the domain, DKIM selector and key are taken from the configuration.`,
	RunE: runDNSCheck,
}

func init() {
	dnsCheckCmd.Flags().StringVar(&dnsDomain, "domain", "", "Domain to check instead of the configured sender domain")
	dnsCheckCmd.Flags().StringVar(&dnsSelector, "selector", "", "DKIM selector")
	dnsCheckCmd.Flags().StringVar(&dnsKeyFile, "key", "", "DKIM private key to compare with the published record")

	dnsCmd.AddCommand(dnsCheckCmd)
	rootCmd.AddCommand(dnsCmd)
}

func runDNSCheck(cmd *cobra.Command, args []string) error {
	domain, selector, keyFile := dnsDomain, dnsSelector, dnsKeyFile
	if domain == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		from, err := cfg.Mail.FromAddress()
		if err != nil {
			return fmt.Errorf("invalid mail.from: %w", err)
		}
		domain = from.Domain()
		if cfg.Mail.DKIM.Enabled {
			if selector == "" {
				selector = cfg.Mail.DKIM.Selector
			}
			if keyFile == "" {
				keyFile = cfg.Mail.DKIM.KeyFile
			}
		}
	}

	opts := dnscheck.Options{Selector: selector}
	if keyFile != "" {
		key, err := mail.LoadPrivateKey(keyFile)
		if err != nil {
			return fmt.Errorf("failed to load DKIM key: %w", err)
		}
		record, err := mail.DKIMRecord(&key.PublicKey)
		if err != nil {
			return err
		}
		_, opts.PublicKey, _ = strings.Cut(record, "p=")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	report, err := dnscheck.New(nil).CheckSender(ctx, domain, opts)
	if err != nil {
		return err
	}

	fmt.Printf("DNS check for %s\n\n", report.Domain)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD\tSTATUS\tDETAILS")
	for _, r := range report.Results {
		details := r.Message
		if details == "" {
			details = r.Value
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Type, strings.ToUpper(r.Status), details)
	}
	w.Flush()

	if !report.Ready() {
		return fmt.Errorf("sender domain %s is not ready", report.Domain)
	}
	return nil
}
