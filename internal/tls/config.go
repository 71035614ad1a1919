// Package tls builds the HTTPS configuration of the API listener from
// certificate files or Let's Encrypt.
package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/foxzi/certmailer/internal/config"
)

// RenewalWindow is how long before expiry a certificate is reported as due
const RenewalWindow = 30 * 24 * time.Hour

// ServerConfig returns the TLS configuration for cfg, or nil when TLS is off.
// ACME certificates are obtained on demand through the TLS-ALPN-01
// challenge, so no port 80 listener is needed.
func ServerConfig(cfg config.TLSConfig) (*tls.Config, error) {
	switch {
	case cfg.ACME.Enabled:
		return newManager(cfg.ACME).TLSConfig(), nil
	case cfg.CertFile != "":
		return LoadCertificate(cfg.CertFile, cfg.KeyFile)
	default:
		return nil, nil
	}
}

// LoadCertificate loads TLS certificate from PEM files
func LoadCertificate(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func newManager(cfg config.ACMEConfig) *autocert.Manager {
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      cfg.Email,
		HostPolicy: autocert.HostWhitelist(cfg.Domains...),
		Cache:      autocert.DirCache(cfg.CacheDir),
	}
}

// CertificateInfo describes a certificate served by the API
type CertificateInfo struct {
	Name      string
	Subject   string
	Issuer    string
	DNSNames  []string
	NotBefore time.Time
	NotAfter  time.Time
}

// DaysLeft returns the whole days until expiry at now
func (c CertificateInfo) DaysLeft(now time.Time) int {
	return int(c.NotAfter.Sub(now).Hours() / 24)
}

// NeedsRenewal reports whether the certificate expires within RenewalWindow
func (c CertificateInfo) NeedsRenewal(now time.Time) bool {
	return c.NotAfter.Sub(now) < RenewalWindow
}

func newInfo(name string, cert *x509.Certificate) CertificateInfo {
	return CertificateInfo{
		Name:      name,
		Subject:   cert.Subject.CommonName,
		Issuer:    cert.Issuer.CommonName,
		DNSNames:  cert.DNSNames,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}
}

// Certificates reads the certificates configured by cfg without contacting
// Let's Encrypt. ACME domains missing from the cache are skipped.
func Certificates(ctx context.Context, cfg config.TLSConfig) ([]CertificateInfo, error) {
	if cfg.ACME.Enabled {
		return cachedCertificates(ctx, cfg.ACME)
	}
	if cfg.CertFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	cert, err := leaf(data)
	if err != nil {
		return nil, err
	}
	return []CertificateInfo{newInfo(cfg.CertFile, cert)}, nil
}

func cachedCertificates(ctx context.Context, cfg config.ACMEConfig) ([]CertificateInfo, error) {
	cache := autocert.DirCache(cfg.CacheDir)

	var results []CertificateInfo
	for _, domain := range cfg.Domains {
		data, err := cache.Get(ctx, domain)
		if errors.Is(err, autocert.ErrCacheMiss) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read cached certificate for %s: %w", domain, err)
		}
		cert, err := leaf(data)
		if err != nil {
			return nil, fmt.Errorf("cached certificate for %s: %w", domain, err)
		}
		results = append(results, newInfo(domain, cert))
	}
	return results, nil
}

// leaf returns the first certificate of a PEM bundle. Cache entries also
// hold the private key, which is skipped.
func leaf(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no certificate found in PEM data")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return cert, nil
	}
}
