package netatmo

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netatmo_requests_total",
			Help: "Netatmo API requests by endpoint and status code",
		},
		[]string{"endpoint", "code"},
	)
	renewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netatmo_renewals_total",
			Help: "Access token renewals by result",
		},
		[]string{"result"},
	)
	connectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netatmo_connects_total",
			Help: "Session establishment attempts by result",
		},
		[]string{"result"},
	)
	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netatmo_retries_total",
			Help: "Retried API calls by reason",
		},
		[]string{"reason"},
	)
)

// Collectors returns the client-level counters.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		requestsTotal,
		renewalsTotal,
		connectsTotal,
		retriesTotal,
	}
}

// Measurer is the part of Client the collector needs.
type Measurer interface {
	Latest(ctx context.Context, measurementType string) (Measurement, error)
}

// MetricsCollector measures the configured types on every scrape.
type MetricsCollector struct {
	client  Measurer
	types   []string
	timeout time.Duration

	scrapeSuccess   prometheus.Gauge
	lastSuccess     prometheus.Gauge
	measurement     *prometheus.GaugeVec
	measurementTime *prometheus.GaugeVec
}

func NewMetricsCollector(client Measurer, types []string) *MetricsCollector {
	return &MetricsCollector{
		client:  client,
		types:   types,
		timeout: 30 * time.Second,
		scrapeSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netatmo_scrape_success",
			Help: "Last scrape success (1=ok, 0=error)",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netatmo_last_success_timestamp_seconds",
			Help: "Last successful scrape timestamp (epoch seconds)",
		}),
		measurement: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netatmo_measurement",
			Help: "Latest value reported for the measurement type",
		}, []string{"type"}),
		measurementTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netatmo_measurement_timestamp_seconds",
			Help: "Sample time of the latest value (epoch seconds)",
		}, []string{"type"}),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.scrapeSuccess.Describe(ch)
	c.lastSuccess.Describe(ch)
	c.measurement.Describe(ch)
	c.measurementTime.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	ok := c.client != nil
	if ok {
		for _, measurementType := range c.types {
			m, err := c.client.Latest(ctx, measurementType)
			if err != nil {
				ok = false
				c.measurement.DeleteLabelValues(measurementType)
				c.measurementTime.DeleteLabelValues(measurementType)
				continue
			}
			c.measurement.WithLabelValues(measurementType).Set(m.Value)
			if !m.Time.IsZero() {
				c.measurementTime.WithLabelValues(measurementType).Set(float64(m.Time.Unix()))
			}
		}
	}

	if ok {
		c.scrapeSuccess.Set(1)
		c.lastSuccess.Set(float64(time.Now().Unix()))
	} else {
		c.scrapeSuccess.Set(0)
	}

	c.scrapeSuccess.Collect(ch)
	c.lastSuccess.Collect(ch)
	c.measurement.Collect(ch)
	c.measurementTime.Collect(ch)
}
