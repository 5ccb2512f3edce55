// Package wpaddhcp discovers the PAC URL advertised using DHCP (option 252).
//
// We query every network adapter concurrently and prefer the answer of
// the adapter that comes first in the system's adapter order.
package wpaddhcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/pacerrors"
)

const (
	// DefaultAdapterTimeout is the default timeout for querying an adapter.
	DefaultAdapterTimeout = 2 * time.Second

	// DefaultMaxWait is the default time we wait for more preferred
	// adapters after the first adapter has answered.
	DefaultMaxWait = 400 * time.Millisecond
)

// AdapterQuerier returns the PAC URL advertised on an adapter.
type AdapterQuerier interface {
	// QueryPACURL returns the URL or an error wrapping
	// [pacerrors.ErrPACNotConfigured] if there is no such URL.
	QueryPACURL(ctx context.Context, adapter string) (string, error)
}

// Discoverer implements [model.WPADDiscoverer]. The zero value is ready to use.
type Discoverer struct {
	// AdapterTimeout is the OPTIONAL per-adapter timeout.
	AdapterTimeout time.Duration

	// Adapters is the OPTIONAL function listing adapters in preference
	// order. When nil, we list the interfaces that are up and not loopback.
	Adapters func() ([]string, error)

	// Clock is the OPTIONAL clock driving the per-adapter timeout and the
	// maximum wait. When nil, we use the wall clock.
	Clock clock.Clock

	// Logger is the OPTIONAL logger.
	Logger model.Logger

	// MaxWait is the OPTIONAL maximum wait after the first answer.
	MaxWait time.Duration

	// Querier is the OPTIONAL [AdapterQuerier]. When nil, we read the
	// lease files written by the DHCP client.
	Querier AdapterQuerier
}

var _ model.WPADDiscoverer = &Discoverer{}

// adapterResult is the result of querying an adapter.
type adapterResult struct {
	err   error
	index int
	url   string
}

// DiscoverPACURL implements model.WPADDiscoverer.
func (d *Discoverer) DiscoverPACURL(ctx context.Context) (string, error) {
	logger := model.ValidLoggerOrDefault(d.Logger)
	adapters, err := d.adapters()
	if err != nil {
		return "", err
	}
	if len(adapters) <= 0 {
		return "", fmt.Errorf("%w: no usable network adapters", pacerrors.ErrPACNotConfigured)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	resultch := make(chan *adapterResult, len(adapters))
	for idx, name := range adapters {
		go d.query(ctx, idx, name, resultch)
	}

	results := make([]*adapterResult, len(adapters))
	pending := len(adapters)
	var (
		timer   *clock.Timer
		timerch <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for pending > 0 {
		select {
		case r := <-resultch:
			pending--
			results[r.index] = r
			logger.Debugf("wpaddhcp: %s... %s", adapters[r.index], model.ErrorToStringOrOK(r.err))
			if URL, found := preferredAnswer(results); found {
				return URL, nil
			}
			if timer == nil {
				timer = d.clock().Timer(d.maxWait())
				timerch = timer.C
			}
		case <-timerch:
			logger.Debugf("wpaddhcp: giving up on %d adapter(s)", pending)
			return selectAnswer(results, pending)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return selectAnswer(results, 0)
}

func (d *Discoverer) query(ctx context.Context, idx int, name string, resultch chan<- *adapterResult) {
	ctx, cancel := d.clock().WithTimeout(ctx, d.adapterTimeout())
	defer cancel()
	URL, err := d.querier().QueryPACURL(ctx, name)
	if err == nil && URL == "" {
		err = pacerrors.ErrPACNotConfigured
	}
	resultch <- &adapterResult{err: err, index: idx, url: URL}
}

// preferredAnswer returns the URL of the most preferred adapter that can
// still answer, if that adapter has answered successfully.
func preferredAnswer(results []*adapterResult) (string, bool) {
	for _, r := range results {
		if r == nil {
			return "", false
		}
		if r.err == nil {
			return r.url, true
		}
	}
	return "", false
}

// selectAnswer chooses among the adapters that have answered.
func selectAnswer(results []*adapterResult, pending int) (string, error) {
	var firstErr error
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.err == nil {
			return r.url, nil
		}
		if firstErr == nil && !errors.Is(r.err, pacerrors.ErrPACNotConfigured) {
			firstErr = r.err
		}
	}
	if firstErr != nil {
		return "", firstErr
	}
	if pending > 0 {
		return "", pacerrors.ErrTimedOut
	}
	return "", pacerrors.ErrPACNotConfigured
}

func (d *Discoverer) adapters() ([]string, error) {
	if d.Adapters != nil {
		return d.Adapters()
	}
	return defaultAdapters()
}

// defaultAdapters lists the interfaces that are up and not loopback
// in index order.
func defaultAdapters() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, iface.Name)
	}
	return out, nil
}

func (d *Discoverer) clock() clock.Clock {
	if d.Clock != nil {
		return d.Clock
	}
	return clock.New()
}

func (d *Discoverer) adapterTimeout() time.Duration {
	if d.AdapterTimeout > 0 {
		return d.AdapterTimeout
	}
	return DefaultAdapterTimeout
}

func (d *Discoverer) maxWait() time.Duration {
	if d.MaxWait > 0 {
		return d.MaxWait
	}
	return DefaultMaxWait
}

func (d *Discoverer) querier() AdapterQuerier {
	if d.Querier != nil {
		return d.Querier
	}
	return &LeaseFileQuerier{}
}
