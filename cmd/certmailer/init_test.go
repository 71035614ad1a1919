package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/certmailer/internal/config"
)

func TestGenerateRandomString(t *testing.T) {
	lengths := []int{8, 16, 32, 64}

	for _, length := range lengths {
		result := generateRandomString(length)
		if len(result) != length {
			t.Errorf("generateRandomString(%d) returned string of length %d", length, len(result))
		}
	}

	s1 := generateRandomString(32)
	s2 := generateRandomString(32)
	if s1 == s2 {
		t.Error("generateRandomString should generate unique strings")
	}
}

func setInitFlags(dataDir string) {
	initFrom = `Events Team <events@example.com>`
	initFeedbackURL = "https://feedback.example.com"
	initAPIKey = "testapikey"
	initDataDir = dataDir
	initMode = "smtp"
	initSMTPHost = "smtp.example.com"
	initDKIMDomain = "example.com"
}

func TestGenerateConfig(t *testing.T) {
	setInitFlags("/var/lib/certmailer")

	cfg := generateConfig("")

	checks := []string{
		`api_key: "testapikey"`,
		`from: "Events Team <events@example.com>"`,
		`host: "smtp.example.com"`,
		`feedback_base_url: "https://feedback.example.com"`,
		`path: "/var/lib/certmailer/certmailer.db"`,
	}
	for _, check := range checks {
		if !strings.Contains(cfg, check) {
			t.Errorf("Generated config missing: %s", check)
		}
	}
	if strings.Contains(cfg, "key_file") {
		t.Error("Generated config should not reference a DKIM key")
	}
}

func TestGenerateConfigWithDKIM(t *testing.T) {
	setInitFlags("/var/lib/certmailer")

	keyPath := "/var/lib/certmailer/dkim/example.com.key"
	cfg := generateConfig(keyPath)

	if !strings.Contains(cfg, "enabled: true") {
		t.Error("Generated config should have DKIM enabled")
	}
	if !strings.Contains(cfg, keyPath) {
		t.Error("Generated config should contain DKIM key path")
	}
}

func TestGeneratedConfigLoads(t *testing.T) {
	dir := t.TempDir()
	setInitFlags(dir)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(generateConfig("")), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.API.APIKey != "testapikey" {
		t.Errorf("APIKey = %q", cfg.API.APIKey)
	}
	if cfg.Delivery.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", cfg.Delivery.RetryAttempts)
	}
}

func TestParseFrom(t *testing.T) {
	addr, err := parseFrom("Events Team <events@example.com>")
	if err != nil {
		t.Fatalf("parseFrom failed: %v", err)
	}
	if addr.Email != "events@example.com" || addr.Domain() != "example.com" {
		t.Errorf("unexpected address %+v", addr)
	}

	if _, err := parseFrom(""); err == nil {
		t.Error("expected error for empty sender")
	}
	if _, err := parseFrom("not an address"); err == nil {
		t.Error("expected error for invalid sender")
	}
}
