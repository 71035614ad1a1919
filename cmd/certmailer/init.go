package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/certmailer/internal/config"
	"github.com/foxzi/certmailer/internal/mail"
	"github.com/foxzi/certmailer/internal/secret"
)

var (
	initFrom        string
	initFeedbackURL string
	initOutput      string
	initAPIKey      string
	initDataDir     string
	initMode        string
	initSMTPHost    string
	initDKIM        bool
	initDKIMDomain  string
	initForce       bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize certmailer configuration",
	Long: `Interactive wizard to create a certmailer configuration file.

Examples:
  # Interactive mode - prompts for missing values
  certmailer init

  # Non-interactive
  certmailer init --from "Events <events@example.com>" --smtp-host smtp.example.com --dkim

  # Quick setup for testing, every message is captured
  certmailer init --from events@test.local --mode sandbox -o test.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initFrom, "from", "", `Sender address (e.g., "Events <events@example.com>")`)
	initCmd.Flags().StringVar(&initFeedbackURL, "feedback-url", "", "Base URL of the feedback form (default: http://localhost:5173)")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/certmailer", "Data directory for storage and templates")
	initCmd.Flags().StringVar(&initMode, "mode", "smtp", "Mail mode: smtp, postmark, ses, sandbox")
	initCmd.Flags().StringVar(&initSMTPHost, "smtp-host", "", "SMTP relay host")
	initCmd.Flags().BoolVar(&initDKIM, "dkim", false, "Generate DKIM keys")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Certmailer Configuration Wizard")
	fmt.Println("===============================")
	fmt.Println()

	if initFrom == "" {
		initFrom = prompt(reader, `Sender address (e.g., "Events <events@example.com>")`, "")
	}
	from, err := parseFrom(initFrom)
	if err != nil {
		return err
	}
	initDKIMDomain = from.Domain()

	if initFeedbackURL == "" {
		initFeedbackURL = prompt(reader, "Feedback form base URL", "http://localhost:5173")
	}
	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initMode == "smtp" && initSMTPHost == "" {
		initSMTPHost = prompt(reader, "SMTP relay host", "localhost")
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	secretsKey, err := secret.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate secrets key: %w", err)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	var dkimKeyPath, dkimName, dkimRecord string
	if initDKIM {
		key, err := mail.GenerateDKIMKey(initDKIMDomain, "certmailer")
		if err != nil {
			return err
		}
		dkimKeyPath = filepath.Join(initDataDir, "dkim", initDKIMDomain+".key")
		if err := key.Save(dkimKeyPath); err != nil {
			return err
		}
		if dkimRecord, err = key.DNSRecord(); err != nil {
			return err
		}
		dkimName = key.DNSName()
		fmt.Printf("  DKIM key saved to: %s\n", dkimKeyPath)
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig(dkimKeyPath)), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	if dkimName != "" {
		fmt.Println("Add this DNS record to sign outgoing mail:")
		printDKIMRecord(dkimName, dkimRecord)
		fmt.Println()
	}

	printNextSteps(secretsKey)
	return nil
}

func parseFrom(s string) (mail.Address, error) {
	if strings.TrimSpace(s) == "" {
		return mail.Address{}, fmt.Errorf("sender address is required")
	}
	addr, err := config.MailConfig{From: s}.FromAddress()
	if err != nil {
		return mail.Address{}, fmt.Errorf("invalid sender address: %w", err)
	}
	return addr, nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig(dkimKeyPath string) string {
	dkimSection := `  dkim:
    enabled: false`
	if dkimKeyPath != "" {
		dkimSection = fmt.Sprintf(`  dkim:
    enabled: true
    selector: "certmailer"
    domain: "%s"
    key_file: "%s"`, initDKIMDomain, dkimKeyPath)
	}

	return fmt.Sprintf(`# Certmailer configuration
# Generated by: certmailer init
#
# Secrets may be sealed with "certmailer secret seal"; the key is read from
# CERTMAILER_SECRETS_KEY.

api:
  listen_addr: ":8080"
  api_key: "%s"
  max_upload_bytes: 10485760  # 10 MB

storage:
  driver: bolt
  path: "%s/certmailer.db"

artifacts:
  driver: local
  dir: "%s/artifacts"

lock:
  driver: memory

mail:
  mode: %s
  from: "%s"
  smtp:
    host: "%s"
    port: 587
    tls_mode: starttls
%s
  sandbox:
    mode: capture

delivery:
  workers: 4
  timeout: 2m
  retry_attempts: 3
  retry_interval: 2s
  feedback_base_url: "%s"

logging:
  level: "info"
  format: "json"
`,
		initAPIKey,
		initDataDir,
		initDataDir,
		initMode,
		strings.ReplaceAll(initFrom, `"`, `\"`),
		initSMTPHost,
		dkimSection,
		initFeedbackURL,
	)
}

func printNextSteps(secretsKey string) {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Check the configuration:")
	fmt.Printf("   certmailer config validate -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("2. Start the server:")
	fmt.Printf("   certmailer serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("3. Create an event:")
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/events \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Println("     -H \"Content-Type: application/json\" \\")
	fmt.Println(`     -d '{"name": "My Workshop"}'`)
	fmt.Println()
	fmt.Println("Credentials")
	fmt.Println("-----------")
	fmt.Printf("API Key:     %s\n", initAPIKey)
	fmt.Printf("Secrets Key: %s\n", secretsKey)
	fmt.Println()
}
