package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/certmailer/internal/models"
)

var bucketMetrics = []byte("metrics")

// StatusCountsProvider reports participant counts across all events
type StatusCountsProvider interface {
	TotalStatusCounts(ctx context.Context) (*models.StatusCounts, error)
}

// StatusCountsFunc adapts a function to StatusCountsProvider
type StatusCountsFunc func(ctx context.Context) (*models.StatusCounts, error)

// TotalStatusCounts calls f
func (f StatusCountsFunc) TotalStatusCounts(ctx context.Context) (*models.StatusCounts, error) {
	return f(ctx)
}

// Collector persists counters across restarts and updates system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	participants  StatusCountsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, participants StatusCountsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics bucket: %w", err)
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		participants:  participants,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

// loadCounters adds persisted counter values back to the registry
func (c *Collector) loadCounters() error {
	var snapshot map[string]float64

	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get([]byte("counters"))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &snapshot); err != nil {
			snapshot = nil // Skip invalid data
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load counters: %w", err)
	}

	for key, v := range snapshot {
		name, labels := parseSeriesKey(key)
		vec, ok := c.metrics.counters[name]
		if !ok {
			continue
		}
		counter, err := vec.GetMetricWith(labels)
		if err != nil {
			continue
		}
		counter.Add(v)
	}
	return nil
}

// persistCounters saves every counter series to BoltDB
func (c *Collector) persistCounters() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	snapshot := make(map[string]float64)
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		if _, ok := c.metrics.counters[mf.GetName()]; !ok {
			continue
		}
		for _, m := range mf.GetMetric() {
			snapshot[seriesKey(mf.GetName(), m.GetLabel())] = m.GetCounter().GetValue()
		}
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put([]byte("counters"), data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	c.collectSystemMetrics(ctx)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

// collectSystemMetrics collects current system state
func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.participants != nil {
		counts, err := c.participants.TotalStatusCounts(ctx)
		if err == nil {
			for status, n := range map[models.Status]int{
				models.StatusPending:           counts.Pending,
				models.StatusFeedbackRequested: counts.FeedbackSent,
				models.StatusFeedbackReceived:  counts.FeedbackReceived,
				models.StatusCertificateSent:   counts.CertificateSent,
				models.StatusFailed:            counts.Failed,
			} {
				c.metrics.Participants.WithLabelValues(status.String()).Set(float64(n))
			}
		}
	}
}

// seriesKey encodes a metric name and its labels as name|k=v|k=v
func seriesKey(name string, labels []*dto.LabelPair) string {
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(parts)
	return strings.Join(append([]string{name}, parts...), "|")
}

func parseSeriesKey(key string) (string, prometheus.Labels) {
	parts := strings.Split(key, "|")
	labels := prometheus.Labels{}
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(p, "=")
		labels[k] = v
	}
	return parts[0], labels
}
