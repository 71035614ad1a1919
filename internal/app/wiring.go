package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/certmailer/internal/artifact"
	"github.com/foxzi/certmailer/internal/config"
	"github.com/foxzi/certmailer/internal/lock"
	"github.com/foxzi/certmailer/internal/mail"
	"github.com/foxzi/certmailer/internal/ratelimit"
	"github.com/foxzi/certmailer/internal/sandbox"
	"github.com/foxzi/certmailer/internal/storage"
	certtls "github.com/foxzi/certmailer/internal/tls"
)

const (
	connectRetryAttempts = 3
	connectRetryInterval = 2 * time.Second
	connectTimeout       = 30 * time.Second
)

// openStorage opens the event store and the bolt database holding
// sandbox, rate limit and metrics state
func (a *App) openStorage(ctx context.Context) error {
	cfg := a.config.Storage

	switch cfg.Driver {
	case "mongo":
		store, err := storage.NewMongoStorage(ctx, storage.MongoConfig{
			URI:            cfg.Mongo.URI,
			Database:       cfg.Mongo.Database,
			ConnectTimeout: cfg.Mongo.ConnectTimeout,
			RetryAttempts:  connectRetryAttempts,
			RetryInterval:  connectRetryInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		a.store = store

		db, err := openStateDB(cfg.StatePath)
		if err != nil {
			return err
		}
		a.stateDB = db
		a.ownState = true
		a.logger.Info("storage opened", "driver", "mongo", "database", cfg.Mongo.Database, "state_path", cfg.StatePath)

	default:
		store, err := storage.NewBoltStorage(cfg.Path)
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		a.store = store
		a.stateDB = store.DB()
		a.logger.Info("storage opened", "driver", "bolt", "path", cfg.Path)
	}
	return nil
}

func openStateDB(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	return db, nil
}

func (a *App) openArtifacts(ctx context.Context) error {
	cfg := a.config.Artifacts

	switch cfg.Driver {
	case "s3":
		store, err := artifact.NewS3(ctx, artifact.S3Config{
			Bucket:         cfg.S3.Bucket,
			Region:         cfg.S3.Region,
			Prefix:         cfg.S3.Prefix,
			AccessKeyID:    cfg.S3.AccessKeyID,
			SecretKey:      cfg.S3.SecretKey,
			Endpoint:       cfg.S3.Endpoint,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to create s3 artifact store: %w", err)
		}
		a.artifacts = store
		a.logger.Info("artifact store ready", "driver", "s3", "bucket", cfg.S3.Bucket)

	default:
		store, err := artifact.NewLocal(cfg.Dir)
		if err != nil {
			return fmt.Errorf("failed to create artifact store: %w", err)
		}
		a.artifacts = store
		a.logger.Info("artifact store ready", "driver", "local", "dir", cfg.Dir)
	}
	return nil
}

func (a *App) openLocker(ctx context.Context) (lock.Locker, error) {
	cfg := a.config.Lock
	if cfg.Driver != "redis" {
		return lock.NewMemory(), nil
	}

	client, err := lock.Connect(ctx, lock.RedisConfig{
		URL:            cfg.Redis.URL,
		KeyPrefix:      cfg.Redis.KeyPrefix,
		RetryAttempts:  connectRetryAttempts,
		RetryInterval:  connectRetryInterval,
		ConnectTimeout: connectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.redis = client
	a.logger.Info("send lock uses redis", "key_prefix", cfg.Redis.KeyPrefix)
	return lock.NewRedis(client, cfg.Redis.KeyPrefix, a.logger), nil
}

// buildTransport creates the outgoing mail chain: provider, optional
// sandbox, then rate limiting
func (a *App) buildTransport(ctx context.Context) (mail.Transport, error) {
	cfg := a.config.Mail

	var signer *mail.DKIMSigner
	if cfg.DKIM.Enabled {
		s, err := mail.NewDKIMSigner(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		signer = s
		a.logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}
	composer := mail.NewComposer(signer)

	provider := func(name string) (mail.Transport, error) {
		switch name {
		case "postmark":
			return mail.NewPostmarkTransport(mail.PostmarkConfig{
				ServerToken:  cfg.Postmark.ServerToken,
				AccountToken: cfg.Postmark.AccountToken,
			}, a.logger), nil
		case "ses":
			t, err := mail.NewSESTransport(ctx, mail.SESConfig{
				Region:           cfg.SES.Region,
				AccessKeyID:      cfg.SES.AccessKeyID,
				SecretKey:        cfg.SES.SecretKey,
				Endpoint:         cfg.SES.Endpoint,
				ConfigurationSet: cfg.SES.ConfigurationSet,
			}, nil, composer, a.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create SES transport: %w", err)
			}
			return t, nil
		}
		return mail.NewSMTPTransport(mail.SMTPConfig{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			TLSMode:            cfg.SMTP.TLSMode,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			Hostname:           a.config.Server.Hostname,
			Timeout:            cfg.SMTP.Timeout,
		}, composer, a.logger), nil
	}

	var transport mail.Transport
	if cfg.Mode == "sandbox" {
		st, err := sandbox.NewStorage(a.stateDB)
		if err != nil {
			return nil, err
		}
		a.sandboxStorage = st

		var next mail.Transport
		if cfg.Sandbox.Mode == sandbox.ModeRedirect {
			if next, err = provider(cfg.Sandbox.Transport); err != nil {
				return nil, err
			}
		}
		sb := sandbox.NewTransport(next, st, composer, cfg.Sandbox.Mode, cfg.Sandbox.RedirectTo, a.logger)
		sb.SetErrorSimulation(cfg.Sandbox.SimulateErrors, cfg.Sandbox.ErrorProbability)
		transport = sb
		a.logger.Info("sandbox mail enabled", "mode", cfg.Sandbox.Mode)
	} else {
		t, err := provider(cfg.Mode)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	if cfg.RateLimit.Enabled {
		rl := cfg.RateLimit
		limiter, err := ratelimit.NewLimiter(a.stateDB, &ratelimit.Config{
			Global:          limitConfig(rl.Global),
			PerEvent:        limitConfig(rl.PerEvent),
			PerSender:       limitConfig(rl.PerSender),
			RecipientDomain: limitConfig(rl.RecipientDomain),
			FlushInterval:   rl.FlushInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.rateLimiter = limiter
		transport = ratelimit.NewTransport(transport, limiter)
		a.logger.Info("rate limiting enabled")
	}

	return transport, nil
}

func limitConfig(v *config.LimitValues) *ratelimit.LimitConfig {
	if v == nil {
		return nil
	}
	return &ratelimit.LimitConfig{MessagesPerHour: v.MessagesPerHour, MessagesPerDay: v.MessagesPerDay}
}

// serverTLS builds the API TLS configuration and warns about certificates
// close to expiry
func serverTLS(ctx context.Context, cfg config.TLSConfig, logger *slog.Logger) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	tlsConfig, err := certtls.ServerConfig(cfg)
	if err != nil {
		return nil, err
	}

	certs, err := certtls.Certificates(ctx, cfg)
	if err != nil {
		logger.Warn("failed to inspect TLS certificates", "error", err)
		return tlsConfig, nil
	}
	now := time.Now()
	for _, c := range certs {
		if c.NeedsRenewal(now) {
			logger.Warn("TLS certificate expires soon", "certificate", c.Name, "days_left", c.DaysLeft(now))
		}
	}
	return tlsConfig, nil
}
