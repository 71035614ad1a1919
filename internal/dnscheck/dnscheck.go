// Package dnscheck verifies that the sender domain publishes the DNS records
// receivers use to accept certificate mail.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ErrInvalidDomain is returned for malformed domain names
var ErrInvalidDomain = errors.New("invalid domain name")

var (
	domainRegex   = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// Check statuses
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

// Resolver is the subset of net.Resolver used by the checks
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks if DKIM selector is valid
func ValidateSelector(selector string) error {
	if len(selector) > 63 {
		return errors.New("selector too long")
	}
	if !selectorRegex.MatchString(selector) {
		return errors.New("invalid selector format")
	}
	return nil
}

// Result is the outcome of one record check
type Result struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report contains all check results for a sender domain
type Report struct {
	Domain  string   `json:"domain"`
	Results []Result `json:"results"`
}

// Ready reports whether no check ended in an error. Missing optional
// records only produce warnings.
func (r *Report) Ready() bool {
	for _, res := range r.Results {
		if res.Status == StatusError {
			return false
		}
	}
	return true
}

// Options specifies the sender setup to verify
type Options struct {
	// Selector enables the DKIM check
	Selector string
	// PublicKey, when set, must match the p= tag of the published record
	PublicKey string
}

// Checker runs DNS checks against a resolver
type Checker struct {
	resolver Resolver
}

// New creates a checker. A nil resolver uses net.DefaultResolver.
func New(resolver Resolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{resolver: resolver}
}

// CheckSender checks the records of the domain mail is sent from
func (c *Checker) CheckSender(ctx context.Context, domain string, opts Options) (*Report, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if opts.Selector != "" {
		if err := ValidateSelector(opts.Selector); err != nil {
			return nil, err
		}
	}

	report := &Report{Domain: domain}
	report.Results = append(report.Results, c.checkMX(ctx, domain), c.checkSPF(ctx, domain))
	if opts.Selector != "" {
		report.Results = append(report.Results, c.checkDKIM(ctx, domain, opts.Selector, opts.PublicKey))
	}
	report.Results = append(report.Results, c.checkDMARC(ctx, domain))
	return report, nil
}

// lookupFailed fills result for a failed lookup. A missing record is
// reported with missing as status.
func lookupFailed(result Result, err error, missing, message string) Result {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		result.Status = missing
		result.Message = message
		return result
	}
	result.Status = StatusError
	result.Message = fmt.Sprintf("Lookup failed: %v", err)
	return result
}

// checkMX matters for bounces and replies sent back to the sender address
func (c *Checker) checkMX(ctx context.Context, domain string) Result {
	result := Result{Type: "MX"}

	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil {
		return lookupFailed(result, err, StatusWarning, "No MX records, replies to the sender will bounce")
	}
	if len(records) == 0 {
		result.Status = StatusWarning
		result.Message = "No MX records, replies to the sender will bounce"
		return result
	}

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		hosts = append(hosts, fmt.Sprintf("%s (%d)", strings.TrimSuffix(mx.Host, "."), mx.Pref))
	}
	result.Status = StatusOK
	result.Value = strings.Join(hosts, ", ")
	return result
}

func (c *Checker) checkSPF(ctx context.Context, domain string) Result {
	result := Result{Type: "SPF"}

	records, err := c.resolver.LookupTXT(ctx, domain)
	if err != nil {
		return lookupFailed(result, err, StatusWarning, "No SPF record found")
	}

	var spf []string
	for _, txt := range records {
		if strings.HasPrefix(strings.ToLower(txt), "v=spf1") {
			spf = append(spf, txt)
		}
	}

	switch {
	case len(spf) == 0:
		result.Status = StatusWarning
		result.Message = "No SPF record found"
	case len(spf) > 1:
		result.Status = StatusError
		result.Value = strings.Join(spf, " | ")
		result.Message = "Multiple SPF records, receivers will treat SPF as permerror"
	case strings.Contains(spf[0], "+all"):
		result.Status = StatusWarning
		result.Value = spf[0]
		result.Message = "SPF uses +all and allows any sender"
	default:
		result.Status = StatusOK
		result.Value = spf[0]
	}
	return result
}

func (c *Checker) checkDKIM(ctx context.Context, domain, selector, publicKey string) Result {
	name := selector + "._domainkey." + domain
	result := Result{Type: "DKIM (" + name + ")"}

	records, err := c.resolver.LookupTXT(ctx, name)
	if err != nil {
		return lookupFailed(result, err, StatusError, "No DKIM record for selector "+selector)
	}

	record := strings.Join(records, "")
	result.Value = truncate(record, 100)

	tags := parseTags(record)
	if v, ok := tags["v"]; ok && v != "DKIM1" {
		result.Status = StatusError
		result.Message = "TXT record is not a DKIM record"
		return result
	}
	p, ok := tags["p"]
	switch {
	case !ok:
		result.Status = StatusError
		result.Message = "DKIM record has no public key"
	case p == "":
		result.Status = StatusError
		result.Message = "DKIM key is revoked"
	case publicKey != "" && p != publicKey:
		result.Status = StatusError
		result.Message = "Published key does not match the configured signing key"
	default:
		result.Status = StatusOK
	}
	return result
}

func (c *Checker) checkDMARC(ctx context.Context, domain string) Result {
	result := Result{Type: "DMARC"}

	records, err := c.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return lookupFailed(result, err, StatusWarning, "No DMARC record found")
	}

	record := strings.Join(records, "")
	result.Value = record
	tags := parseTags(record)
	if tags["v"] != "DMARC1" {
		result.Status = StatusWarning
		result.Message = "TXT record is not a DMARC record"
		return result
	}

	result.Status = StatusOK
	if tags["p"] == "none" {
		result.Message = "DMARC policy is none (monitoring only)"
	}
	return result
}

// parseTags splits a tag=value list such as a DKIM or DMARC record
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(k)] = strings.Join(strings.Fields(v), "")
	}
	return tags
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
