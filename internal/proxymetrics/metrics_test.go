package proxymetrics

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/proxyconfig"
	"github.com/ooni/pacproxy/internal/proxylist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := New(reg)
	URL := &url.URL{Scheme: "http", Host: "example.com"}

	sink.OnConfigChanged(proxyconfig.Direct(), proxyconfig.AvailabilityValid)
	sink.OnConfigChanged(proxyconfig.Direct(), proxyconfig.AvailabilityValid)
	sink.OnConfigChanged(proxyconfig.Direct(), proxyconfig.AvailabilityUnset)

	direct := &proxylist.Info{}
	direct.UseDirect()
	proxied := &proxylist.Info{}
	proxied.UsePACString("PROXY a:80")

	for idx := 0; idx < 4; idx++ {
		sink.OnResolutionStarted("id", URL)
	}
	sink.OnResolutionFinished("id", URL, direct, nil, time.Millisecond)
	sink.OnResolutionFinished("id", URL, proxied, nil, time.Millisecond)
	sink.OnResolutionFinished("id", URL, nil, pacerrors.ErrMandatoryProxyConfigurationFailed, time.Second)

	sink.OnBadProxiesReported(proxylist.RetryMap{
		"http://a:80": {BadUntil: time.Now().Add(time.Minute)},
		"http://b:80": {BadUntil: time.Now().Add(time.Minute)},
	})

	type testcase struct {
		name      string
		collector prometheus.Collector
		expect    float64
	}

	cases := []testcase{{
		name:      "valid config changes",
		collector: sink.configChangesCount.WithLabelValues("valid"),
		expect:    2,
	}, {
		name:      "unset config changes",
		collector: sink.configChangesCount.WithLabelValues("unset"),
		expect:    1,
	}, {
		name:      "direct resolutions",
		collector: sink.resolutionsCount.WithLabelValues("direct", ""),
		expect:    1,
	}, {
		name:      "proxied resolutions",
		collector: sink.resolutionsCount.WithLabelValues("proxy", ""),
		expect:    1,
	}, {
		name:      "failed resolutions",
		collector: sink.resolutionsCount.WithLabelValues("error", "mandatory_proxy_configuration_failed"),
		expect:    1,
	}, {
		name:      "inflight resolutions",
		collector: sink.resolutionsInflight,
		expect:    1,
	}, {
		name:      "bad proxies",
		collector: sink.badProxiesCount,
		expect:    2,
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tc.collector); got != tc.expect {
				t.Fatalf("expected %f, got %f", tc.expect, got)
			}
		})
	}

	t.Run("durations are summarized", func(t *testing.T) {
		if count := testutil.CollectAndCount(sink.resolutionsDurationSeconds); count != 1 {
			t.Fatal("unexpected number of metrics", count)
		}
	})
}

func TestCodeLabel(t *testing.T) {
	if got := codeLabel(errors.New("something")); got != "unknown_failure" {
		t.Fatal("unexpected label", got)
	}
	if got := codeLabel(nil); got != "" {
		t.Fatal("unexpected label", got)
	}
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic")
		}
	}()
	New(reg)
}
