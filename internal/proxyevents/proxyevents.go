// Package proxyevents logs the events emitted by the resolution service.
package proxyevents

import (
	"net/url"
	"time"

	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/proxyconfig"
	"github.com/ooni/pacproxy/internal/proxylist"
	"github.com/ooni/pacproxy/internal/proxyservice"
)

// Logger is a [proxyservice.EventSink] writing events to a [model.Logger].
type Logger struct {
	logger model.Logger
}

var _ proxyservice.EventSink = &Logger{}

// New creates a new [*Logger].
func New(logger model.Logger) *Logger {
	return &Logger{logger: model.ValidLoggerOrDefault(logger)}
}

// OnConfigChanged implements proxyservice.EventSink.
func (lo *Logger) OnConfigChanged(config proxyconfig.Config, availability proxyconfig.Availability) {
	lo.logger.Infof("proxyevents: config is %s: %s", availability, config.String())
}

// OnResolutionStarted implements proxyservice.EventSink.
func (lo *Logger) OnResolutionStarted(id string, URL *url.URL) {
	lo.logger.Debugf("proxyevents: [%s] resolve %s", id, URL.Redacted())
}

// OnResolutionFinished implements proxyservice.EventSink.
func (lo *Logger) OnResolutionFinished(
	id string, URL *url.URL, info *proxylist.Info, err error, elapsed time.Duration) {
	if err != nil {
		lo.logger.Warnf("proxyevents: [%s] resolve %s... %s (%s)", id, URL.Redacted(), err.Error(), elapsed)
		return
	}
	lo.logger.Debugf("proxyevents: [%s] resolve %s... %s (%s)", id, URL.Redacted(), info.PACString(), elapsed)
}

// OnBadProxiesReported implements proxyservice.EventSink.
func (lo *Logger) OnBadProxiesReported(reported proxylist.RetryMap) {
	for _, key := range reported.Keys() {
		entry := reported[key]
		lo.logger.Warnf(
			"proxyevents: %s is bad until %s: %s",
			key, entry.BadUntil.Format(time.RFC3339), model.ErrorToStringOrOK(entry.NetError),
		)
	}
}
