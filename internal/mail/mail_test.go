package mail

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"
)

func testMessage() *Message {
	return &Message{
		ID:      "abc123",
		From:    Address{Name: "Events Team", Email: "events@example.com"},
		To:      Address{Name: "Ana Pérez", Email: "ana@example.org"},
		Subject: "Your certificate",
		Text:    "Dear Ana Pérez,\nthank you for attending.",
		Tag:     TagCertificate,
		Attachments: []Attachment{
			{FileName: "Certificate_Ana_Perez.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.3 test")},
		},
	}
}

func TestAddress(t *testing.T) {
	a := Address{Name: "Ana", Email: "ana@Example.ORG"}
	if a.Domain() != "example.org" {
		t.Errorf("expected example.org, got %s", a.Domain())
	}
	if a.String() != `"Ana" <ana@Example.ORG>` {
		t.Errorf("unexpected address %s", a.String())
	}
	if (Address{Email: "broken@"}).Domain() != "" {
		t.Error("expected empty domain")
	}
}

func TestValidateAddress(t *testing.T) {
	if err := ValidateAddress("ana@example.org"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "ana", "Ana <ana@example.org>"} {
		if err := ValidateAddress(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestCompose(t *testing.T) {
	c := NewComposer(nil)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	data, err := c.Compose(testMessage())
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to parse composed message: %v", err)
	}
	if env.GetHeader("Subject") != "Your certificate" {
		t.Errorf("unexpected subject %q", env.GetHeader("Subject"))
	}
	if !bytes.Contains(data, []byte("<abc123@example.com>")) {
		t.Error("Message-ID not set")
	}
	if env.GetHeader("X-Certmailer-Tag") != TagCertificate {
		t.Errorf("unexpected tag %q", env.GetHeader("X-Certmailer-Tag"))
	}
	if !strings.Contains(env.Text, "thank you for attending") {
		t.Errorf("unexpected body %q", env.Text)
	}
	if len(env.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(env.Attachments))
	}
	att := env.Attachments[0]
	if att.FileName != "Certificate_Ana_Perez.pdf" || att.ContentType != "application/pdf" {
		t.Errorf("unexpected attachment %s %s", att.FileName, att.ContentType)
	}
	if string(att.Content) != "%PDF-1.3 test" {
		t.Error("attachment content mismatch")
	}
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "dkim.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}

func TestComposeSigned(t *testing.T) {
	signer, err := NewDKIMSigner(writeTestKey(t), "example.com", "mail")
	if err != nil {
		t.Fatalf("NewDKIMSigner failed: %v", err)
	}
	if signer.Domain() != "example.com" {
		t.Errorf("unexpected domain %s", signer.Domain())
	}

	data, err := NewComposer(signer).Compose(testMessage())
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("DKIM-Signature:")) {
		t.Fatal("message is not signed")
	}
	header := string(data[:bytes.Index(data, []byte("\r\n\r\n"))])
	if !strings.Contains(header, "d=example.com") || !strings.Contains(header, "s=mail") {
		t.Error("signature is missing domain or selector")
	}
}

func TestLoadPrivateKeyErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadPrivateKey(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("expected error for missing file")
	}
	garbage := filepath.Join(dir, "garbage.pem")
	os.WriteFile(garbage, []byte("not a key"), 0600)
	if _, err := LoadPrivateKey(garbage); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
		code      int
	}{
		{"mailbox unavailable", &smtp.SMTPError{Code: 550, Message: "no such user"}, false, 550},
		{"greylisted", &smtp.SMTPError{Code: 451, Message: "try later"}, true, 451},
		{"network", timeoutError{}, true, 0},
		{"deadline", context.DeadlineExceeded, true, 0},
		{"unknown", errors.New("boom"), true, 0},
		{"already classified", permanent("bad"), false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := classify(fmt.Errorf("wrapped: %w", tt.err), "RCPT")
			if de.Temporary != tt.temporary {
				t.Errorf("expected temporary=%v, got %v", tt.temporary, de.Temporary)
			}
			if de.Code != tt.code {
				t.Errorf("expected code %d, got %d", tt.code, de.Code)
			}
		})
	}
}

func TestIsTemporaryError(t *testing.T) {
	if IsTemporaryError(&DeliveryError{Temporary: false}) {
		t.Error("permanent error reported as temporary")
	}
	if !IsTemporaryError(fmt.Errorf("send: %w", &DeliveryError{Temporary: true})) {
		t.Error("wrapped temporary error not detected")
	}
	if !IsTemporaryError(errors.New("unknown")) {
		t.Error("unknown errors are temporary")
	}
}

// relay is an in-process SMTP server recording what it receives
type relay struct {
	reject map[string]*smtp.SMTPError
	got    chan received
}

type received struct {
	from string
	to   []string
	data []byte
}

func (r *relay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &relaySession{relay: r}, nil
}

type relaySession struct {
	relay *relay
	cur   received
}

func (s *relaySession) AuthPlain(username, password string) error {
	return nil
}

func (s *relaySession) Mail(from string, opts *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if err, ok := s.relay.reject[to]; ok {
		return err
	}
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = data
	s.relay.got <- s.cur
	return nil
}

func (s *relaySession) Reset() {
	s.cur = received{}
}

func (s *relaySession) Logout() error {
	return nil
}

func startRelay(t *testing.T, r *relay) (string, int) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	srv := smtp.NewServer(r)
	srv.Domain = "relay.test"
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	addr := l.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestSMTPTransportSend(t *testing.T) {
	r := &relay{got: make(chan received, 1)}
	host, port := startRelay(t, r)

	tr := NewSMTPTransport(SMTPConfig{
		Host:    host,
		Port:    port,
		TLSMode: TLSModeNone,
		Timeout: 5 * time.Second,
	}, NewComposer(nil), testLogger())

	if err := tr.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-r.got:
		if got.from != "events@example.com" {
			t.Errorf("unexpected sender %s", got.from)
		}
		if len(got.to) != 1 || got.to[0] != "ana@example.org" {
			t.Errorf("unexpected recipients %v", got.to)
		}
		if !bytes.Contains(got.data, []byte("Subject: Your certificate")) {
			t.Error("message body not received")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay received nothing")
	}
}

func TestSMTPTransportRejectedRecipient(t *testing.T) {
	r := &relay{
		got: make(chan received, 1),
		reject: map[string]*smtp.SMTPError{
			"ana@example.org": {Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
		},
	}
	host, port := startRelay(t, r)

	tr := NewSMTPTransport(SMTPConfig{Host: host, Port: port, TLSMode: TLSModeNone}, NewComposer(nil), testLogger())

	err := tr.Send(context.Background(), testMessage())
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if de.Temporary || de.Code != 550 {
		t.Errorf("expected permanent 550, got %+v", de)
	}
}

func TestSMTPTransportStartTLSRequired(t *testing.T) {
	r := &relay{got: make(chan received, 1)}
	host, port := startRelay(t, r)

	// relay has no TLS configured, so STARTTLS is not advertised
	tr := NewSMTPTransport(SMTPConfig{Host: host, Port: port}, NewComposer(nil), testLogger())

	err := tr.Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTemporaryError(err) {
		t.Errorf("missing STARTTLS should be permanent: %v", err)
	}
}

func TestSMTPTransportConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: port, TLSMode: TLSModeNone, Timeout: time.Second}, NewComposer(nil), testLogger())
	if err := tr.Send(context.Background(), testMessage()); !IsTemporaryError(err) || err == nil {
		t.Errorf("expected temporary error, got %v", err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestGenerateDKIMKey(t *testing.T) {
	key, err := GenerateDKIMKey("example.com", "certmailer")
	if err != nil {
		t.Fatalf("GenerateDKIMKey failed: %v", err)
	}
	if key.DNSName() != "certmailer._domainkey.example.com" {
		t.Errorf("unexpected DNS name %s", key.DNSName())
	}
	record, err := key.DNSRecord()
	if err != nil {
		t.Fatalf("DNSRecord failed: %v", err)
	}
	if !strings.HasPrefix(record, "v=DKIM1; k=rsa; p=") {
		t.Errorf("unexpected record %s", record)
	}

	path := filepath.Join(t.TempDir(), "keys", "example.com.key")
	if err := key.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	signer, err := NewDKIMSigner(path, "example.com", "certmailer")
	if err != nil {
		t.Fatalf("saved key is not loadable: %v", err)
	}
	if _, err := signer.Sign([]byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Errorf("Sign failed: %v", err)
	}
}
