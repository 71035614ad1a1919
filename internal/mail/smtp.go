package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// TLS modes for SMTP submission
const (
	TLSModeStartTLS = "starttls"
	TLSModeImplicit = "tls"
	TLSModeNone     = "none"
)

// SMTPConfig configures submission to a relay
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLSMode            string
	InsecureSkipVerify bool
	Hostname           string
	Timeout            time.Duration
}

// SMTPTransport submits messages to an SMTP relay
type SMTPTransport struct {
	cfg      SMTPConfig
	composer *Composer
	logger   *slog.Logger
}

// NewSMTPTransport creates a new SMTP transport
func NewSMTPTransport(cfg SMTPConfig, composer *Composer, logger *slog.Logger) *SMTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeStartTLS
	}
	return &SMTPTransport{
		cfg:      cfg,
		composer: composer,
		logger:   logger,
	}
}

// Send submits one message
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	data, err := t.composer.Compose(msg)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer conn.Close()

	// Set deadline
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.cfg.Timeout))
	}

	client := smtp.NewClient(conn)
	defer client.Close()

	if err := client.Hello(t.cfg.Hostname); err != nil {
		return classify(err, "HELO")
	}

	if t.cfg.TLSMode == TLSModeStartTLS {
		ok, _ := client.Extension("STARTTLS")
		if !ok {
			return permanent("relay %s does not support STARTTLS", addr)
		}
		if err := client.StartTLS(t.tlsConfig()); err != nil {
			return classify(err, "STARTTLS")
		}
	}

	if t.cfg.Username != "" {
		auth := sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return classify(err, "AUTH")
		}
	}

	if err := client.Mail(msg.From.Email, nil); err != nil {
		return classify(err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To.Email, nil); err != nil {
		return classify(err, fmt.Sprintf("RCPT TO %s", msg.To.Email))
	}

	wc, err := client.Data()
	if err != nil {
		return classify(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return classify(err, "DATA close")
	}

	client.Quit()

	t.logger.Debug("message submitted",
		"relay", addr,
		"to", msg.To.Email,
		"tag", msg.Tag,
	)
	return nil
}

func (t *SMTPTransport) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}
	if t.cfg.TLSMode == TLSModeImplicit {
		td := &tls.Dialer{NetDialer: dialer, Config: t.tlsConfig()}
		return td.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

func (t *SMTPTransport) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         t.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.cfg.InsecureSkipVerify,
	}
}
