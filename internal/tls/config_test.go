package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/certmailer/internal/config"
)

// generateTestCertificate creates a self-signed certificate and key for testing
func generateTestCertificate(host string, notAfter time.Time) (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: host},
		Issuer:                pkix.Name{CommonName: host},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{host},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func writeCertificate(t *testing.T, dir string, notAfter time.Time) (certFile, keyFile string) {
	t.Helper()
	certPEM, keyPEM, err := generateTestCertificate("localhost", notAfter)
	if err != nil {
		t.Fatalf("failed to generate test certificate: %v", err)
	}
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestLoadCertificate(t *testing.T) {
	tmpDir := t.TempDir()
	certFile, keyFile := writeCertificate(t, tmpDir, time.Now().Add(24*time.Hour))

	t.Run("valid certificate", func(t *testing.T) {
		cfg, err := LoadCertificate(certFile, keyFile)
		if err != nil {
			t.Fatalf("unexpected error loading valid certificate: %v", err)
		}
		if len(cfg.Certificates) != 1 {
			t.Errorf("expected 1 certificate, got %d", len(cfg.Certificates))
		}
	})

	t.Run("non-existent cert file", func(t *testing.T) {
		if _, err := LoadCertificate("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
			t.Error("expected error for non-existent files")
		}
	})

	t.Run("invalid cert", func(t *testing.T) {
		invalidCert := filepath.Join(tmpDir, "invalid.pem")
		if err := os.WriteFile(invalidCert, []byte("invalid"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadCertificate(invalidCert, keyFile); err == nil {
			t.Error("expected error for invalid certificate")
		}
	})
}

func TestServerConfig(t *testing.T) {
	cfg, err := ServerConfig(config.TLSConfig{})
	if err != nil || cfg != nil {
		t.Errorf("disabled TLS: got %v, %v", cfg, err)
	}

	certFile, keyFile := writeCertificate(t, t.TempDir(), time.Now().Add(24*time.Hour))
	cfg, err = ServerConfig(config.TLSConfig{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("ServerConfig failed: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Error("expected the configured certificate")
	}

	cfg, err = ServerConfig(config.TLSConfig{ACME: config.ACMEConfig{
		Enabled:  true,
		Domains:  []string{"certs.example.com"},
		CacheDir: t.TempDir(),
	}})
	if err != nil {
		t.Fatalf("ServerConfig with ACME failed: %v", err)
	}
	if cfg.GetCertificate == nil {
		t.Error("ACME config should fetch certificates on demand")
	}
}

func TestCertificatesManual(t *testing.T) {
	now := time.Now()
	certFile, keyFile := writeCertificate(t, t.TempDir(), now.Add(10*24*time.Hour+time.Hour))

	certs, err := Certificates(context.Background(), config.TLSConfig{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("Certificates failed: %v", err)
	}
	if len(certs) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(certs))
	}

	c := certs[0]
	if c.Subject != "localhost" || c.Name != certFile {
		t.Errorf("unexpected certificate info %+v", c)
	}
	if days := c.DaysLeft(now); days != 10 {
		t.Errorf("DaysLeft = %d, want 10", days)
	}
	if !c.NeedsRenewal(now) {
		t.Error("certificate expiring in 10 days should need renewal")
	}
	if c.NeedsRenewal(now.Add(-60 * 24 * time.Hour)) {
		t.Error("certificate 70 days from expiry should not need renewal")
	}
}

func TestCertificatesACMECache(t *testing.T) {
	cacheDir := t.TempDir()
	certPEM, keyPEM, err := generateTestCertificate("certs.example.com", time.Now().Add(90*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	// autocert stores the key followed by the chain
	entry := append(keyPEM, certPEM...)
	if err := os.WriteFile(filepath.Join(cacheDir, "certs.example.com"), entry, 0600); err != nil {
		t.Fatal(err)
	}

	certs, err := Certificates(context.Background(), config.TLSConfig{ACME: config.ACMEConfig{
		Enabled:  true,
		Domains:  []string{"certs.example.com", "missing.example.com"},
		CacheDir: cacheDir,
	}})
	if err != nil {
		t.Fatalf("Certificates failed: %v", err)
	}
	if len(certs) != 1 {
		t.Fatalf("expected only the cached domain, got %d", len(certs))
	}
	if certs[0].Name != "certs.example.com" || certs[0].DNSNames[0] != "certs.example.com" {
		t.Errorf("unexpected certificate info %+v", certs[0])
	}
}

func TestCertificatesDisabled(t *testing.T) {
	certs, err := Certificates(context.Background(), config.TLSConfig{})
	if err != nil || certs != nil {
		t.Errorf("got %v, %v", certs, err)
	}
}
