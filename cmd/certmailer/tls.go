package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/certmailer/internal/tls"
)

var tlsCmd = &cobra.Command{
	Use:   "tls",
	Short: "TLS certificate management",
}

var tlsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of the API TLS certificates",
	Long: `Show the certificates configured in api.tls.

ACME certificates are read from the cache. They are obtained on the first
HTTPS request after "certmailer serve" starts.`,
	RunE: runTLSStatus,
}

func init() {
	tlsCmd.AddCommand(tlsStatusCmd)
	rootCmd.AddCommand(tlsCmd)
}

func runTLSStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.API.TLS.Enabled() {
		fmt.Println("TLS is not configured")
		return nil
	}

	certs, err := tls.Certificates(cmd.Context(), cfg.API.TLS)
	if err != nil {
		return fmt.Errorf("failed to read certificates: %w", err)
	}

	if len(certs) == 0 {
		fmt.Println("ACME certificates not found in cache.")
		fmt.Println("They are requested when the API first serves HTTPS for a configured domain.")
		return nil
	}

	now := time.Now()
	fmt.Println("TLS Certificates:")
	for _, c := range certs {
		status := "OK"
		if c.NotAfter.Before(now) {
			status = "EXPIRED"
		} else if c.NeedsRenewal(now) {
			status = "RENEWAL NEEDED"
		}
		fmt.Printf("  %s:\n", c.Name)
		fmt.Printf("    Subject: %s\n", c.Subject)
		fmt.Printf("    Issuer: %s\n", c.Issuer)
		fmt.Printf("    Valid until: %s\n", c.NotAfter.Format(time.RFC3339))
		fmt.Printf("    Days left: %d\n", c.DaysLeft(now))
		fmt.Printf("    Status: %s\n", status)
	}
	return nil
}
