package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/certmailer/internal/models"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "metrics.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCollectorPersistence(t *testing.T) {
	db := openTestDB(t)

	m1 := New()
	c1, err := NewCollector(db, m1, nil, "", time.Hour)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	m1.EmailsSentTotal.WithLabelValues("certificate").Add(3)
	m1.DeliveryFailuresTotal.WithLabelValues("send_certificate", "transient_dependency").Inc()
	m1.APIRequestsTotal.WithLabelValues("GET", "/api/v1/events/{eventID}", "200").Add(2)
	if err := c1.Stop(); err != nil {
		t.Fatalf("Failed to stop collector: %v", err)
	}

	m2 := New()
	c2, err := NewCollector(db, m2, nil, "", time.Hour)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	defer c2.Stop()

	if v := counterValue(t, m2.EmailsSentTotal, "certificate"); v != 3 {
		t.Errorf("Expected 3 restored, got %v", v)
	}
	if v := counterValue(t, m2.DeliveryFailuresTotal, "send_certificate", "transient_dependency"); v != 1 {
		t.Errorf("Expected 1 restored, got %v", v)
	}
	if v := counterValue(t, m2.APIRequestsTotal, "GET", "/api/v1/events/{eventID}", "200"); v != 2 {
		t.Errorf("Expected 2 restored, got %v", v)
	}
}

func TestCollectSystemMetrics(t *testing.T) {
	db := openTestDB(t)
	m := New()

	provider := StatusCountsFunc(func(ctx context.Context) (*models.StatusCounts, error) {
		return &models.StatusCounts{Total: 5, Pending: 2, CertificateSent: 3}, nil
	})
	c, err := NewCollector(db, m, provider, db.Path(), time.Hour)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	c.collectSystemMetrics(context.Background())

	var g dto.Metric
	m.Participants.WithLabelValues("certificate_sent").Write(&g)
	if g.GetGauge().GetValue() != 3 {
		t.Errorf("Expected 3 sent participants, got %v", g.GetGauge().GetValue())
	}
	m.StorageUsedBytes.Write(&g)
	if g.GetGauge().GetValue() <= 0 {
		t.Error("Expected storage size to be set")
	}
	m.Goroutines.Write(&g)
	if g.GetGauge().GetValue() <= 0 {
		t.Error("Expected goroutines to be set")
	}
}

func TestSeriesKey(t *testing.T) {
	name, value := "method", "GET"
	path, pv := "path", "/x"
	key := seriesKey("certmailer_api_requests_total", []*dto.LabelPair{
		{Name: &path, Value: &pv},
		{Name: &name, Value: &value},
	})
	if key != "certmailer_api_requests_total|method=GET|path=/x" {
		t.Errorf("unexpected key %s", key)
	}

	gotName, labels := parseSeriesKey(key)
	if gotName != "certmailer_api_requests_total" || labels["method"] != "GET" || labels["path"] != "/x" {
		t.Errorf("unexpected parse %s %v", gotName, labels)
	}
}
