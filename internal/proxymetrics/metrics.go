// Package proxymetrics exports the proxy resolution events as Prometheus metrics.
package proxymetrics

//
// Metrics definitions
//

import (
	"net/url"
	"strings"
	"time"

	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/proxyconfig"
	"github.com/ooni/pacproxy/internal/proxylist"
	"github.com/ooni/pacproxy/internal/proxyservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsSummaryObjectives returns the summary objectives for promauto.NewSummary.
func metricsSummaryObjectives() map[float64]float64 {
	// See https://grafana.com/blog/2022/03/01/how-summary-metrics-work-in-prometheus/
	return map[float64]float64{
		0.5:  0.010, // 0.490 <= φ <= 0.510
		0.9:  0.010, // 0.899 <= φ <= 0.901
		0.99: 0.001, // 0.989 <= φ <= 0.991
	}
}

// Sink is a [proxyservice.EventSink] updating Prometheus metrics.
//
// Construct using [New].
type Sink struct {
	// badProxiesCount counts the proxies reported as bad.
	badProxiesCount prometheus.Counter

	// configChangesCount counts the configuration changes by availability.
	configChangesCount *prometheus.CounterVec

	// resolutionsCount counts the finished resolutions by result and error code.
	resolutionsCount *prometheus.CounterVec

	// resolutionsDurationSeconds summarizes the time to resolve a proxy.
	resolutionsDurationSeconds prometheus.Summary

	// resolutionsInflight gauges the number of resolutions in progress.
	resolutionsInflight prometheus.Gauge
}

var _ proxyservice.EventSink = &Sink{}

// New creates a new [*Sink] registering its metrics with the given
// registerer. Use [prometheus.DefaultRegisterer] to export them using
// the default promhttp handler.
func New(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)
	return &Sink{
		badProxiesCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "pacproxy_bad_proxies_count",
			Help: "Total number of proxies reported as bad",
		}),
		configChangesCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pacproxy_config_changes_count",
			Help: "Total number of proxy configuration changes",
		}, []string{"availability"}),
		resolutionsCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pacproxy_resolutions_count",
			Help: "Total number of finished proxy resolutions",
		}, []string{"result", "code"}),
		resolutionsDurationSeconds: factory.NewSummary(prometheus.SummaryOpts{
			Name:       "pacproxy_resolutions_duration_seconds",
			Help:       "Summarizes the time to resolve the proxy for an URL (in seconds)",
			Objectives: metricsSummaryObjectives(),
		}),
		resolutionsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pacproxy_resolutions_inflight_gauge",
			Help: "The number of proxy resolutions currently inflight",
		}),
	}
}

// OnConfigChanged implements proxyservice.EventSink.
func (s *Sink) OnConfigChanged(config proxyconfig.Config, availability proxyconfig.Availability) {
	s.configChangesCount.WithLabelValues(availability.String()).Inc()
}

// OnResolutionStarted implements proxyservice.EventSink.
func (s *Sink) OnResolutionStarted(id string, URL *url.URL) {
	s.resolutionsInflight.Inc()
}

// OnResolutionFinished implements proxyservice.EventSink.
func (s *Sink) OnResolutionFinished(
	id string, URL *url.URL, info *proxylist.Info, err error, elapsed time.Duration) {
	s.resolutionsInflight.Dec()
	s.resolutionsDurationSeconds.Observe(elapsed.Seconds())
	s.resolutionsCount.WithLabelValues(resultLabel(info, err), codeLabel(err)).Inc()
}

// OnBadProxiesReported implements proxyservice.EventSink.
func (s *Sink) OnBadProxiesReported(reported proxylist.RetryMap) {
	s.badProxiesCount.Add(float64(len(reported)))
}

func resultLabel(info *proxylist.Info, err error) string {
	switch {
	case err != nil:
		return "error"
	case info == nil || info.IsDirect():
		return "direct"
	default:
		return "proxy"
	}
}

// codeLabel returns the error code, collapsing unknown errors into a
// single value to keep the label cardinality bounded.
func codeLabel(err error) string {
	code := pacerrors.Classify(err)
	if strings.HasPrefix(code, "unknown_failure") {
		return "unknown_failure"
	}
	return code
}
