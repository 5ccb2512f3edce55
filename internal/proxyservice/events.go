package proxyservice

import (
	"net/url"
	"time"

	"github.com/ooni/pacproxy/internal/proxyconfig"
	"github.com/ooni/pacproxy/internal/proxylist"
)

// EventSink observes what the [*Service] does. Events are purely
// observational: a sink cannot influence the resolution. The service calls
// the sink from the control path, so implementations should not block.
type EventSink interface {
	// OnConfigChanged is called when we receive a new configuration.
	OnConfigChanged(config proxyconfig.Config, availability proxyconfig.Availability)

	// OnResolutionStarted is called when a resolution starts.
	OnResolutionStarted(id string, URL *url.URL)

	// OnResolutionFinished is called when a resolution finishes. The
	// info is meaningful only when err is nil.
	OnResolutionFinished(id string, URL *url.URL, info *proxylist.Info, err error, elapsed time.Duration)

	// OnBadProxiesReported is called when the client reports bad proxies. The
	// map contains the reported proxies, not the merged ones.
	OnBadProxiesReported(reported proxylist.RetryMap)
}

// DiscardEventSink is an [EventSink] ignoring all events.
type DiscardEventSink struct{}

var _ EventSink = DiscardEventSink{}

// OnConfigChanged implements EventSink.
func (DiscardEventSink) OnConfigChanged(config proxyconfig.Config, availability proxyconfig.Availability) {
}

// OnResolutionStarted implements EventSink.
func (DiscardEventSink) OnResolutionStarted(id string, URL *url.URL) {}

// OnResolutionFinished implements EventSink.
func (DiscardEventSink) OnResolutionFinished(
	id string, URL *url.URL, info *proxylist.Info, err error, elapsed time.Duration) {
}

// OnBadProxiesReported implements EventSink.
func (DiscardEventSink) OnBadProxiesReported(reported proxylist.RetryMap) {}

// EventSinks is an [EventSink] forwarding events to several sinks.
type EventSinks []EventSink

var _ EventSink = EventSinks{}

// OnConfigChanged implements EventSink.
func (es EventSinks) OnConfigChanged(config proxyconfig.Config, availability proxyconfig.Availability) {
	for _, sink := range es {
		sink.OnConfigChanged(config, availability)
	}
}

// OnResolutionStarted implements EventSink.
func (es EventSinks) OnResolutionStarted(id string, URL *url.URL) {
	for _, sink := range es {
		sink.OnResolutionStarted(id, URL)
	}
}

// OnResolutionFinished implements EventSink.
func (es EventSinks) OnResolutionFinished(
	id string, URL *url.URL, info *proxylist.Info, err error, elapsed time.Duration) {
	for _, sink := range es {
		sink.OnResolutionFinished(id, URL, info, err, elapsed)
	}
}

// OnBadProxiesReported implements EventSink.
func (es EventSinks) OnBadProxiesReported(reported proxylist.RetryMap) {
	for _, sink := range es {
		sink.OnBadProxiesReported(reported)
	}
}
