package config

import (
	"errors"
	"fmt"
	netmail "net/mail"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/certmailer/internal/mail"
	"github.com/foxzi/certmailer/internal/secret"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CERTMAILER_"

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Artifacts ArtifactsConfig `yaml:"artifacts" envPrefix:"ARTIFACTS_"`
	Lock      LockConfig      `yaml:"lock" envPrefix:"LOCK_"`
	Mail      MailConfig      `yaml:"mail"`
	Delivery  DeliveryConfig  `yaml:"delivery" envPrefix:"DELIVERY_"`
	Render    RenderConfig    `yaml:"render" envPrefix:"RENDER_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

// ServerConfig contains process-wide settings
type ServerConfig struct {
	Hostname        string        `yaml:"hostname"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Default: 30s
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"API_LISTEN_ADDR"`
	APIKey     string `yaml:"api_key" env:"API_KEY"`
	// APIKeyHash is a bcrypt hash of the key, used instead of APIKey
	APIKeyHash     string        `yaml:"api_key_hash" env:"API_KEY_HASH"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	MaxUploadBytes int64         `yaml:"max_upload_bytes"` // Default: 10MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // Default: 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // Default: 5m, bulk sends are synchronous
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // Default: 60s
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
	// CORSOrigins are the browser origins allowed to call the API, such as
	// the host of the feedback form
	CORSOrigins []string  `yaml:"cors_origins"`
	TLS         TLSConfig `yaml:"tls"`
}

// TLSConfig enables HTTPS on the API listener
type TLSConfig struct {
	CertFile string     `yaml:"cert_file" env:"API_TLS_CERT_FILE"`
	KeyFile  string     `yaml:"key_file" env:"API_TLS_KEY_FILE"`
	ACME     ACMEConfig `yaml:"acme"`
}

// ACMEConfig contains Let's Encrypt settings
type ACMEConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"`
}

// Enabled reports whether the API serves HTTPS
func (t TLSConfig) Enabled() bool {
	return t.ACME.Enabled || t.CertFile != ""
}

// StorageConfig selects the event store
type StorageConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"` // bolt, mongo
	Path   string `yaml:"path" env:"PATH"`
	// StatePath is the bolt file for sandbox, rate limit and metrics state
	// when the driver is mongo
	StatePath string      `yaml:"state_path" env:"STATE_PATH"`
	Mongo     MongoConfig `yaml:"mongo" envPrefix:"MONGO_"`
}

// MongoConfig contains MongoDB connection settings
type MongoConfig struct {
	URI            string        `yaml:"uri" env:"URI"`
	Database       string        `yaml:"database" env:"DATABASE"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ArtifactsConfig selects where templates are stored
type ArtifactsConfig struct {
	Driver string   `yaml:"driver" env:"DRIVER"` // local, s3
	Dir    string   `yaml:"dir" env:"DIR"`
	S3     S3Config `yaml:"s3" envPrefix:"S3_"`
}

// S3Config contains S3 bucket settings
type S3Config struct {
	Bucket         string `yaml:"bucket" env:"BUCKET"`
	Region         string `yaml:"region" env:"REGION"`
	Prefix         string `yaml:"prefix"`
	Endpoint       string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKeyID    string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretKey      string `yaml:"secret_key" env:"SECRET_KEY"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// LockConfig selects the per-event send lock
type LockConfig struct {
	Driver string        `yaml:"driver" env:"DRIVER"` // memory, redis
	TTL    time.Duration `yaml:"ttl"`                 // Default: 1h
	Redis  RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig contains redis connection settings
type RedisConfig struct {
	URL       string `yaml:"url" env:"URL"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MailConfig contains outgoing mail settings
type MailConfig struct {
	Mode      string          `yaml:"mode" env:"MAIL_MODE"` // smtp, postmark, ses, sandbox
	From      string          `yaml:"from" env:"MAIL_FROM"` // "Events Team <events@example.com>"
	SMTP      SMTPConfig      `yaml:"smtp" envPrefix:"SMTP_"`
	Postmark  PostmarkConfig  `yaml:"postmark" envPrefix:"POSTMARK_"`
	SES       SESConfig       `yaml:"ses" envPrefix:"SES_"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// SMTPConfig contains SMTP relay settings
type SMTPConfig struct {
	Host               string        `yaml:"host" env:"HOST"`
	Port               int           `yaml:"port" env:"PORT"`
	Username           string        `yaml:"username" env:"USERNAME"`
	Password           string        `yaml:"password" env:"PASSWORD"`
	TLSMode            string        `yaml:"tls_mode"` // starttls, tls, none
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

// PostmarkConfig contains Postmark API credentials
type PostmarkConfig struct {
	ServerToken  string `yaml:"server_token" env:"SERVER_TOKEN"`
	AccountToken string `yaml:"account_token" env:"ACCOUNT_TOKEN"`
}

// SESConfig configures Amazon SES. Without keys the default AWS
// credential chain is used.
type SESConfig struct {
	Region           string `yaml:"region" env:"REGION"`
	AccessKeyID      string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretKey        string `yaml:"secret_key" env:"SECRET_KEY"`
	Endpoint         string `yaml:"endpoint" env:"ENDPOINT"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// SandboxConfig controls captured delivery
type SandboxConfig struct {
	Mode       string `yaml:"mode"`        // capture, redirect
	RedirectTo string `yaml:"redirect_to"` // required for redirect
	// Transport delivers redirected mail: smtp or postmark
	Transport        string  `yaml:"transport"`
	SimulateErrors   bool    `yaml:"simulate_errors"`
	ErrorProbability float64 `yaml:"error_probability"`
}

// RateLimitConfig contains send throttling settings
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Global          *LimitValues  `yaml:"global,omitempty"`
	PerEvent        *LimitValues  `yaml:"per_event,omitempty"`
	PerSender       *LimitValues  `yaml:"per_sender,omitempty"`
	RecipientDomain *LimitValues  `yaml:"recipient_domain,omitempty"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// DeliveryConfig contains bulk send settings
type DeliveryConfig struct {
	Workers         int           `yaml:"workers" env:"WORKERS"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"` // per participant
	RetryAttempts   int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval   time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	FeedbackBaseURL string        `yaml:"feedback_base_url" env:"FEEDBACK_BASE_URL"`
}

// RenderConfig contains certificate rendering settings
type RenderConfig struct {
	FontDir      string `yaml:"font_dir" env:"FONT_DIR"`
	DefaultFont  string `yaml:"default_font"`
	PreviewWidth int    `yaml:"preview_width"` // Default: 800
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	ListenAddr    string        `yaml:"listen_addr" env:"LISTEN_ADDR"` // Default: :9090
	Path          string        `yaml:"path"`                          // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"`                // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`                   // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json, text
}

// SecretsConfig holds the key for sealed values
type SecretsConfig struct {
	Key string `yaml:"key" env:"SECRETS_KEY"`
}

// Load loads configuration from a YAML file and the environment.
// An empty path configures from the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.openSecrets(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxUploadBytes == 0 {
		c.API.MaxUploadBytes = 10 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 5 * time.Minute
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "bolt"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/certmailer/certmailer.db"
	}
	if c.Storage.StatePath == "" {
		c.Storage.StatePath = "/var/lib/certmailer/state.db"
	}
	if c.Storage.Mongo.Database == "" {
		c.Storage.Mongo.Database = "certmailer"
	}
	if c.Storage.Mongo.ConnectTimeout == 0 {
		c.Storage.Mongo.ConnectTimeout = 10 * time.Second
	}

	if c.Artifacts.Driver == "" {
		c.Artifacts.Driver = "local"
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "/var/lib/certmailer/artifacts"
	}

	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = time.Hour
	}
	if c.Lock.Redis.KeyPrefix == "" {
		c.Lock.Redis.KeyPrefix = "certmailer:lock:"
	}

	if c.Mail.Mode == "" {
		c.Mail.Mode = "smtp"
	}
	if c.Mail.SMTP.Port == 0 {
		c.Mail.SMTP.Port = 587
	}
	if c.Mail.SMTP.TLSMode == "" {
		c.Mail.SMTP.TLSMode = mail.TLSModeStartTLS
	}
	if c.Mail.SMTP.Timeout == 0 {
		c.Mail.SMTP.Timeout = 60 * time.Second
	}
	if c.Mail.Sandbox.Mode == "" {
		c.Mail.Sandbox.Mode = "capture"
	}
	if c.Mail.Sandbox.Transport == "" {
		c.Mail.Sandbox.Transport = "smtp"
	}
	if c.Mail.RateLimit.FlushInterval == 0 {
		c.Mail.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Delivery.Workers == 0 {
		c.Delivery.Workers = 4
	}
	if c.Delivery.Timeout == 0 {
		c.Delivery.Timeout = 2 * time.Minute
	}
	if c.Delivery.RetryAttempts == 0 {
		c.Delivery.RetryAttempts = 1
	}
	if c.Delivery.RetryInterval == 0 {
		c.Delivery.RetryInterval = 2 * time.Second
	}
	if c.Delivery.FeedbackBaseURL == "" {
		c.Delivery.FeedbackBaseURL = "http://localhost:5173"
	}

	if c.Render.PreviewWidth == 0 {
		c.Render.PreviewWidth = 800
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// sealable returns the values that may be stored sealed
func (c *Config) sealable() map[string]*string {
	return map[string]*string{
		"api.api_key":                 &c.API.APIKey,
		"storage.mongo.uri":           &c.Storage.Mongo.URI,
		"artifacts.s3.access_key_id":  &c.Artifacts.S3.AccessKeyID,
		"artifacts.s3.secret_key":     &c.Artifacts.S3.SecretKey,
		"lock.redis.url":              &c.Lock.Redis.URL,
		"mail.smtp.password":          &c.Mail.SMTP.Password,
		"mail.postmark.server_token":  &c.Mail.Postmark.ServerToken,
		"mail.postmark.account_token": &c.Mail.Postmark.AccountToken,
		"mail.ses.access_key_id":      &c.Mail.SES.AccessKeyID,
		"mail.ses.secret_key":         &c.Mail.SES.SecretKey,
	}
}

// openSecrets replaces sealed values with their plaintext
func (c *Config) openSecrets() error {
	var box *secret.Box
	for name, v := range c.sealable() {
		if !secret.IsSealed(*v) {
			continue
		}
		if box == nil {
			if c.Secrets.Key == "" {
				return fmt.Errorf("%s is sealed but secrets.key is not set", name)
			}
			b, err := secret.NewBox(c.Secrets.Key)
			if err != nil {
				return fmt.Errorf("failed to load secrets key: %w", err)
			}
			box = b
		}
		plain, err := box.Open(*v)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", name, err)
		}
		*v = plain
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the bolt driver"))
		}
	case "mongo":
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, errors.New("storage.mongo.uri is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage.driver: %s (must be bolt or mongo)", c.Storage.Driver))
	}

	switch c.Artifacts.Driver {
	case "local":
		if c.Artifacts.Dir == "" {
			errs = append(errs, errors.New("artifacts.dir is required for the local driver"))
		}
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			errs = append(errs, errors.New("artifacts.s3.bucket is required for the s3 driver"))
		}
		if (c.Artifacts.S3.AccessKeyID == "") != (c.Artifacts.S3.SecretKey == "") {
			errs = append(errs, errors.New("artifacts.s3 requires both access_key_id and secret_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid artifacts.driver: %s (must be local or s3)", c.Artifacts.Driver))
	}

	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Lock.Redis.URL == "" {
			errs = append(errs, errors.New("lock.redis.url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid lock.driver: %s (must be memory or redis)", c.Lock.Driver))
	}

	errs = append(errs, c.validateMail()...)

	if (c.API.TLS.CertFile == "") != (c.API.TLS.KeyFile == "") {
		errs = append(errs, errors.New("api.tls requires both cert_file and key_file"))
	}
	if acme := c.API.TLS.ACME; acme.Enabled {
		if c.API.TLS.CertFile != "" {
			errs = append(errs, errors.New("api.tls.acme cannot be combined with cert_file"))
		}
		if len(acme.Domains) == 0 {
			errs = append(errs, errors.New("api.tls.acme.domains is required when ACME is enabled"))
		}
		if acme.CacheDir == "" {
			errs = append(errs, errors.New("api.tls.acme.cache_dir is required when ACME is enabled"))
		}
	}

	if c.Delivery.Workers < 1 {
		errs = append(errs, errors.New("delivery.workers must be at least 1"))
	}
	if c.Delivery.Timeout < 0 || c.Delivery.RetryInterval < 0 {
		errs = append(errs, errors.New("delivery durations must not be negative"))
	}
	if c.Delivery.RetryAttempts < 1 {
		errs = append(errs, errors.New("delivery.retry_attempts must be at least 1"))
	}
	if !strings.HasPrefix(c.Delivery.FeedbackBaseURL, "http://") && !strings.HasPrefix(c.Delivery.FeedbackBaseURL, "https://") {
		errs = append(errs, fmt.Errorf("invalid delivery.feedback_base_url: %s", c.Delivery.FeedbackBaseURL))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		errs = append(errs, fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func (c *Config) validateMail() []error {
	var errs []error

	if c.Mail.From == "" {
		errs = append(errs, errors.New("mail.from is required"))
	} else if _, err := c.Mail.FromAddress(); err != nil {
		errs = append(errs, fmt.Errorf("invalid mail.from: %w", err))
	}

	transport := c.Mail.Mode
	switch c.Mail.Mode {
	case "smtp", "postmark", "ses":
	case "sandbox":
		switch c.Mail.Sandbox.Mode {
		case "capture":
			transport = ""
		case "redirect":
			if err := mail.ValidateAddress(c.Mail.Sandbox.RedirectTo); err != nil {
				errs = append(errs, fmt.Errorf("mail.sandbox.redirect_to: %w", err))
			}
			transport = c.Mail.Sandbox.Transport
		default:
			errs = append(errs, fmt.Errorf("invalid mail.sandbox.mode: %s (must be capture or redirect)", c.Mail.Sandbox.Mode))
		}
		if p := c.Mail.Sandbox.ErrorProbability; p < 0 || p > 1 {
			errs = append(errs, errors.New("mail.sandbox.error_probability must be between 0 and 1"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid mail.mode: %s (must be smtp, postmark, ses or sandbox)", c.Mail.Mode))
	}

	switch transport {
	case "":
	case "smtp":
		if c.Mail.SMTP.Host == "" {
			errs = append(errs, errors.New("mail.smtp.host is required"))
		}
		switch c.Mail.SMTP.TLSMode {
		case mail.TLSModeStartTLS, mail.TLSModeImplicit, mail.TLSModeNone:
		default:
			errs = append(errs, fmt.Errorf("invalid mail.smtp.tls_mode: %s (must be starttls, tls or none)", c.Mail.SMTP.TLSMode))
		}
	case "postmark":
		if c.Mail.Postmark.ServerToken == "" {
			errs = append(errs, errors.New("mail.postmark.server_token is required"))
		}
	case "ses":
		if c.Mail.SES.Region == "" {
			errs = append(errs, errors.New("mail.ses.region is required"))
		}
		if (c.Mail.SES.AccessKeyID == "") != (c.Mail.SES.SecretKey == "") {
			errs = append(errs, errors.New("mail.ses requires both access_key_id and secret_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid mail.sandbox.transport: %s (must be smtp, postmark or ses)", transport))
	}

	if c.Mail.DKIM.Enabled {
		if c.Mail.DKIM.Selector == "" {
			errs = append(errs, errors.New("mail.dkim.selector is required when DKIM is enabled"))
		}
		if c.Mail.DKIM.KeyFile == "" {
			errs = append(errs, errors.New("mail.dkim.key_file is required when DKIM is enabled"))
		}
		if c.Mail.DKIM.Domain == "" {
			errs = append(errs, errors.New("mail.dkim.domain is required when DKIM is enabled"))
		}
	}

	return errs
}

// FromAddress parses the configured sender
func (m MailConfig) FromAddress() (mail.Address, error) {
	addr, err := netmail.ParseAddress(m.From)
	if err != nil {
		return mail.Address{}, err
	}
	return mail.Address{Name: addr.Name, Email: addr.Address}, nil
}

// UsesBolt reports whether the event store is a bolt file
func (c *Config) UsesBolt() bool {
	return c.Storage.Driver == "bolt"
}
