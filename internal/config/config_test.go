package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/certmailer/internal/secret"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
server:
  hostname: "certs.test.com"

api:
  listen_addr: ":9080"
  api_key: "test-api-key"

storage:
  driver: bolt
  path: "/tmp/test.db"

artifacts:
  driver: s3
  s3:
    bucket: certificates
    region: eu-central-1

lock:
  driver: redis
  redis:
    url: "redis://localhost:6379/0"

mail:
  mode: smtp
  from: "Events Team <events@test.com>"
  smtp:
    host: smtp.test.com
    port: 465
    tls_mode: tls
  rate_limit:
    enabled: true
    per_event:
      messages_per_hour: 100

delivery:
  workers: 2
  timeout: 30s
  retry_attempts: 3
  retry_interval: 1s
  feedback_base_url: "https://certs.test.com"

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Hostname != "certs.test.com" {
		t.Errorf("Hostname = %v, want certs.test.com", cfg.Server.Hostname)
	}
	if cfg.API.APIKey != "test-api-key" {
		t.Errorf("API.APIKey = %v, want test-api-key", cfg.API.APIKey)
	}
	if cfg.Artifacts.S3.Bucket != "certificates" {
		t.Errorf("Artifacts.S3.Bucket = %v, want certificates", cfg.Artifacts.S3.Bucket)
	}
	if cfg.Lock.Driver != "redis" {
		t.Errorf("Lock.Driver = %v, want redis", cfg.Lock.Driver)
	}
	if cfg.Mail.SMTP.Port != 465 || cfg.Mail.SMTP.TLSMode != "tls" {
		t.Errorf("Mail.SMTP = %+v", cfg.Mail.SMTP)
	}
	if cfg.Mail.RateLimit.PerEvent == nil || cfg.Mail.RateLimit.PerEvent.MessagesPerHour != 100 {
		t.Errorf("Mail.RateLimit.PerEvent = %+v", cfg.Mail.RateLimit.PerEvent)
	}
	if cfg.Delivery.Workers != 2 {
		t.Errorf("Delivery.Workers = %v, want 2", cfg.Delivery.Workers)
	}
	if cfg.Delivery.Timeout != 30*time.Second {
		t.Errorf("Delivery.Timeout = %v, want 30s", cfg.Delivery.Timeout)
	}
	if cfg.Delivery.RetryAttempts != 3 {
		t.Errorf("Delivery.RetryAttempts = %v, want 3", cfg.Delivery.RetryAttempts)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}

	from, err := cfg.Mail.FromAddress()
	if err != nil {
		t.Fatalf("FromAddress() error = %v", err)
	}
	if from.Name != "Events Team" || from.Email != "events@test.com" {
		t.Errorf("FromAddress() = %+v", from)
	}
}

func TestLoadDefaults(t *testing.T) {
	content := `
mail:
  from: "events@test.com"
  smtp:
    host: smtp.test.com
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Storage.Driver != "bolt" {
		t.Errorf("Storage.Driver = %v, want bolt", cfg.Storage.Driver)
	}
	if cfg.Artifacts.Driver != "local" {
		t.Errorf("Artifacts.Driver = %v, want local", cfg.Artifacts.Driver)
	}
	if cfg.Lock.Driver != "memory" || cfg.Lock.TTL != time.Hour {
		t.Errorf("Lock = %+v", cfg.Lock)
	}
	if cfg.Mail.Mode != "smtp" || cfg.Mail.SMTP.Port != 587 || cfg.Mail.SMTP.TLSMode != "starttls" {
		t.Errorf("Mail = %+v", cfg.Mail)
	}
	if cfg.Delivery.Workers != 4 {
		t.Errorf("Delivery.Workers = %v, want 4", cfg.Delivery.Workers)
	}
	if cfg.Delivery.RetryAttempts != 1 {
		t.Errorf("Delivery.RetryAttempts = %v, want 1", cfg.Delivery.RetryAttempts)
	}
	if cfg.Delivery.FeedbackBaseURL != "http://localhost:5173" {
		t.Errorf("Delivery.FeedbackBaseURL = %v", cfg.Delivery.FeedbackBaseURL)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %v, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v, want json", cfg.Logging.Format)
	}
	if cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CERTMAILER_API_KEY", "from-env")
	t.Setenv("CERTMAILER_SMTP_PASSWORD", "smtp-secret")
	t.Setenv("CERTMAILER_DELIVERY_WORKERS", "8")
	t.Setenv("CERTMAILER_STORAGE_MONGO_URI", "mongodb://db:27017")
	t.Setenv("CERTMAILER_LOG_LEVEL", "warn")

	content := `
api:
  api_key: "from-file"
storage:
  driver: mongo
mail:
  from: "events@test.com"
  smtp:
    host: smtp.test.com
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.APIKey != "from-env" {
		t.Errorf("API.APIKey = %v, want from-env", cfg.API.APIKey)
	}
	if cfg.Mail.SMTP.Password != "smtp-secret" {
		t.Errorf("Mail.SMTP.Password = %v, want smtp-secret", cfg.Mail.SMTP.Password)
	}
	if cfg.Delivery.Workers != 8 {
		t.Errorf("Delivery.Workers = %v, want 8", cfg.Delivery.Workers)
	}
	if cfg.Storage.Mongo.URI != "mongodb://db:27017" {
		t.Errorf("Storage.Mongo.URI = %v", cfg.Storage.Mongo.URI)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %v, want warn", cfg.Logging.Level)
	}
}

func TestLoadSealedSecrets(t *testing.T) {
	key, err := secret.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	box, err := secret.NewBox(key)
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	sealed, err := box.Seal("smtp-secret")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	content := `
mail:
  from: "events@test.com"
  smtp:
    host: smtp.test.com
    password: "` + sealed + `"
`
	path := writeConfig(t, content)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "secrets.key") {
		t.Fatalf("Load() without key error = %v", err)
	}

	t.Setenv("CERTMAILER_SECRETS_KEY", key)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mail.SMTP.Password != "smtp-secret" {
		t.Errorf("Mail.SMTP.Password = %v, want smtp-secret", cfg.Mail.SMTP.Password)
	}
}

func validConfig() Config {
	cfg := Config{
		Mail: MailConfig{
			From: "events@test.com",
			SMTP: SMTPConfig{Host: "smtp.test.com"},
		},
	}
	cfg.setDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:    "missing from",
			modify:  func(c *Config) { c.Mail.From = "" },
			wantErr: "mail.from",
		},
		{
			name:    "missing smtp host",
			modify:  func(c *Config) { c.Mail.SMTP.Host = "" },
			wantErr: "mail.smtp.host",
		},
		{
			name:    "invalid tls mode",
			modify:  func(c *Config) { c.Mail.SMTP.TLSMode = "ssl" },
			wantErr: "tls_mode",
		},
		{
			name:    "postmark without token",
			modify:  func(c *Config) { c.Mail.Mode = "postmark" },
			wantErr: "server_token",
		},
		{
			name:    "ses without region",
			modify:  func(c *Config) { c.Mail.Mode = "ses" },
			wantErr: "mail.ses.region",
		},
		{
			name: "ses",
			modify: func(c *Config) {
				c.Mail.Mode = "ses"
				c.Mail.SES.Region = "eu-west-1"
			},
		},
		{
			name: "sandbox capture needs no transport",
			modify: func(c *Config) {
				c.Mail.Mode = "sandbox"
				c.Mail.SMTP.Host = ""
			},
		},
		{
			name: "sandbox redirect needs address",
			modify: func(c *Config) {
				c.Mail.Mode = "sandbox"
				c.Mail.Sandbox.Mode = "redirect"
			},
			wantErr: "redirect_to",
		},
		{
			name:    "mongo without uri",
			modify:  func(c *Config) { c.Storage.Driver = "mongo" },
			wantErr: "storage.mongo.uri",
		},
		{
			name:    "unknown artifacts driver",
			modify:  func(c *Config) { c.Artifacts.Driver = "ftp" },
			wantErr: "artifacts.driver",
		},
		{
			name:    "s3 without bucket",
			modify:  func(c *Config) { c.Artifacts.Driver = "s3" },
			wantErr: "artifacts.s3.bucket",
		},
		{
			name:    "redis without url",
			modify:  func(c *Config) { c.Lock.Driver = "redis" },
			wantErr: "lock.redis.url",
		},
		{
			name:    "dkim without selector",
			modify:  func(c *Config) { c.Mail.DKIM = DKIMConfig{Enabled: true, KeyFile: "k.pem", Domain: "test.com"} },
			wantErr: "mail.dkim.selector",
		},
		{
			name:    "tls cert without key",
			modify:  func(c *Config) { c.API.TLS.CertFile = "cert.pem" },
			wantErr: "api.tls",
		},
		{
			name: "acme without domains",
			modify: func(c *Config) {
				c.API.TLS.ACME = ACMEConfig{Enabled: true, CacheDir: "/var/lib/certmailer/acme"}
			},
			wantErr: "api.tls.acme.domains",
		},
		{
			name: "acme",
			modify: func(c *Config) {
				c.API.TLS.ACME = ACMEConfig{Enabled: true, Domains: []string{"certs.test.com"}, CacheDir: "/tmp/acme"}
			},
		},
		{
			name:    "zero retry attempts",
			modify:  func(c *Config) { c.Delivery.RetryAttempts = 0 },
			wantErr: "retry_attempts",
		},
		{
			name:    "relative feedback url",
			modify:  func(c *Config) { c.Delivery.FeedbackBaseURL = "certs.test.com" },
			wantErr: "feedback_base_url",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Logging.Level = "invalid" },
			wantErr: "logging.level",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Logging.Format = "invalid" },
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, `invalid: yaml: content: [`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}
