// Package pacdecider implements the PAC source decider, which walks an
// ordered list of candidate PAC sources (DHCP, DNS, custom URL) and fetches
// and validates each of them until one succeeds or all of them fail.
//
// A [*Decider] runs on the control path provided by a [*taskrunner.Runner]:
// you MUST call its methods from a task and the completion callback also
// runs as a task. Blocking work (DHCP discovery, DNS quick check, fetch,
// trial load) runs in background goroutines that post their results.
package pacdecider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/proxyconfig"
	"github.com/ooni/pacproxy/internal/runtimex"
	"github.com/ooni/pacproxy/internal/taskrunner"
)

// DefaultFetchTimeout is the default per-candidate fetch timeout.
const DefaultFetchTimeout = 30 * time.Second

// DefaultQuickCheckTimeout is the default quick check timeout.
const DefaultQuickCheckTimeout = time.Second

// Dependencies contains the dependencies of a [*Decider].
type Dependencies struct {
	// DHCP is the OPTIONAL DHCP discoverer. When nil, we do
	// not try to discover the PAC URL using DHCP.
	DHCP model.WPADDiscoverer

	// FetchTimeout is the OPTIONAL per-candidate fetch timeout. When
	// zero or negative, we use [DefaultFetchTimeout].
	FetchTimeout time.Duration

	// Fetcher is the MANDATORY PAC fetcher.
	Fetcher model.PACFetcher

	// HostResolver is the OPTIONAL resolver used by the quick check. When
	// nil, the quick check is disabled.
	HostResolver model.HostResolver

	// Logger is the OPTIONAL logger.
	Logger model.Logger

	// QuickCheckEnabled enables resolving [DNSWPADHost] before fetching
	// [DNSWPADURL], to fail fast when there is no WPAD server.
	QuickCheckEnabled bool

	// QuickCheckTimeout is the OPTIONAL quick check timeout. When zero
	// or negative, we use [DefaultQuickCheckTimeout].
	QuickCheckTimeout time.Duration

	// Runner is the MANDATORY runner providing the control path.
	Runner *taskrunner.Runner

	// Validator is the OPTIONAL validator performing a trial load.
	Validator model.PACValidator
}

type state int

const (
	stateNone = state(iota)
	stateWait
	stateWaitComplete
	stateQuickCheck
	stateQuickCheckComplete
	stateDiscover
	stateDiscoverComplete
	stateFetch
	stateFetchComplete
	stateVerify
	stateVerifyComplete
)

// Decider decides which PAC script to use. A Decider is single use:
// you can only call Start once.
//
// Construct using [New].
type Decider struct {
	callback     func(error)
	cancelOp     context.CancelFunc
	cancelled    bool
	config       proxyconfig.Config
	current      int
	deps         *Dependencies
	effective    proxyconfig.Config
	generation   int64
	logger       model.Logger
	next         state
	numFallbacks int
	opValue      string
	script       *model.PACScript
	sources      []Source
	startDelay   time.Duration
	started      bool
	timer        *taskrunner.Timer
}

// New creates a new [*Decider] using the given dependencies.
func New(deps *Dependencies) *Decider {
	runtimex.Assert(deps != nil && deps.Fetcher != nil && deps.Runner != nil, "pacdecider: invalid dependencies")
	return &Decider{
		deps:   deps,
		logger: model.ValidLoggerOrDefault(deps.Logger),
	}
}

// Start starts deciding which PAC script to use for the given config,
// after waiting for the given delay. It returns [pacerrors.ErrIOPending]
// when the result will be delivered by calling the callback, otherwise the
// result is synchronous and the callback will never be called.
//
// On success, [*Decider.EffectiveConfig] and [*Decider.Script] return
// the decided configuration and script. On failure, the error is the one
// caused by the last candidate we tried.
func (d *Decider) Start(config proxyconfig.Config, startDelay time.Duration, callback func(error)) error {
	runtimex.Assert(!d.started, "pacdecider: Start called twice")
	runtimex.Assert(callback != nil, "pacdecider: nil callback")
	d.started = true
	d.config = config
	d.startDelay = max(startDelay, 0)
	d.sources = BuildSources(config, d.deps.DHCP != nil)

	if len(d.sources) <= 0 {
		if config.PACMandatory {
			d.logger.Warn("pacdecider: no PAC source configured")
			return pacerrors.ErrPACNotConfigured
		}
		d.effective = proxyconfig.Direct()
		d.effective.Source = config.Source
		return nil
	}

	d.next = stateWait
	result := d.loop(nil)
	if errors.Is(result, pacerrors.ErrIOPending) {
		d.callback = callback
	}
	return result
}

// EffectiveConfig returns the decided configuration. On success, this is
// a configuration using the URL of the script we decided to use or a
// direct configuration when there was nothing to decide.
func (d *Decider) EffectiveConfig() proxyconfig.Config {
	return d.effective
}

// Script returns the decided script or nil.
func (d *Decider) Script() *model.PACScript {
	return d.script
}

// NumFallbacks returns the number of times we moved to the next candidate.
func (d *Decider) NumFallbacks() int {
	return d.numFallbacks
}

// Sources returns the candidate sources.
func (d *Decider) Sources() []Source {
	return append([]Source{}, d.sources...)
}

// Cancel aborts any outstanding work. The callback will not be called.
func (d *Decider) Cancel() {
	d.cancelled = true
	d.callback = nil
	d.next = stateNone
	d.cancelOperation()
}

// OnShutdown aborts any outstanding work and, if we were still deciding,
// calls the callback with [pacerrors.ErrContextShutDown].
func (d *Decider) OnShutdown() {
	if d.callback == nil {
		return
	}
	callback := d.callback
	d.Cancel()
	callback(pacerrors.ErrContextShutDown)
}

func (d *Decider) currentSource() Source {
	return d.sources[d.current]
}

// startState returns the first state for the current candidate.
func (d *Decider) startState() state {
	switch d.currentSource().Kind {
	case SourceDHCP:
		return stateDiscover
	case SourceDNS:
		return stateQuickCheck
	default:
		return stateFetch
	}
}

func (d *Decider) loop(result error) error {
	for {
		current := d.next
		d.next = stateNone
		switch current {
		case stateWait:
			result = d.doWait()
		case stateWaitComplete:
			result = d.doWaitComplete()
		case stateQuickCheck:
			result = d.doQuickCheck()
		case stateQuickCheckComplete:
			result = d.doQuickCheckComplete(result)
		case stateDiscover:
			result = d.doDiscover()
		case stateDiscoverComplete:
			result = d.doDiscoverComplete(result)
		case stateFetch:
			result = d.doFetch()
		case stateFetchComplete:
			result = d.doFetchComplete(result)
		case stateVerify:
			result = d.doVerify()
		case stateVerifyComplete:
			result = d.doVerifyComplete(result)
		default:
			panic(fmt.Sprintf("pacdecider: unexpected state: %d", current))
		}
		if errors.Is(result, pacerrors.ErrIOPending) || d.next == stateNone {
			return result
		}
	}
}

func (d *Decider) doWait() error {
	d.next = stateWaitComplete
	if d.startDelay <= 0 {
		return nil
	}
	d.logger.Debugf("pacdecider: waiting %s before starting", d.startDelay)
	gen := d.newGeneration()
	d.timer = d.deps.Runner.PostDelayed(d.startDelay, func() {
		d.onComplete(gen, "", nil)
	})
	return pacerrors.ErrIOPending
}

func (d *Decider) doWaitComplete() error {
	d.next = d.startState()
	return nil
}

func (d *Decider) doQuickCheck() error {
	if !d.deps.QuickCheckEnabled || d.deps.HostResolver == nil {
		d.next = stateFetch
		return nil
	}
	d.next = stateQuickCheckComplete
	d.logger.Debugf("pacdecider: quick check: resolving %s", DNSWPADHost)
	resolver := d.deps.HostResolver
	d.startOperation(d.quickCheckTimeout(), func(ctx context.Context) (string, error) {
		addrs, err := resolver.LookupHost(ctx, DNSWPADHost)
		if err == nil && len(addrs) <= 0 {
			err = pacerrors.ErrNameNotResolved
		}
		return "", err
	})
	return pacerrors.ErrIOPending
}

func (d *Decider) doQuickCheckComplete(result error) error {
	d.logger.Debugf("pacdecider: quick check: %s", model.ErrorToStringOrOK(result))
	if result == nil {
		d.next = stateFetch
		return nil
	}
	if d.config.PACMandatory {
		// with a mandatory configuration a quick check miss is not enough
		// to give up on the candidate and we still attempt the full fetch
		d.next = stateFetch
		return nil
	}
	return d.tryToFallback(result)
}

func (d *Decider) doDiscover() error {
	d.next = stateDiscoverComplete
	d.logger.Debug("pacdecider: discovering the PAC URL using DHCP")
	discoverer := d.deps.DHCP
	d.startOperation(0, func(ctx context.Context) (string, error) {
		URL, err := discoverer.DiscoverPACURL(ctx)
		if err == nil && URL == "" {
			err = pacerrors.ErrPACNotConfigured
		}
		return URL, err
	})
	return pacerrors.ErrIOPending
}

func (d *Decider) doDiscoverComplete(result error) error {
	d.logger.Debugf("pacdecider: DHCP discovery: %s", model.ErrorToStringOrOK(result))
	if result != nil {
		return d.tryToFallback(result)
	}
	d.sources[d.current].URL = d.opValue
	d.next = stateFetch
	return nil
}

func (d *Decider) doFetch() error {
	d.next = stateFetchComplete
	source := d.currentSource()
	d.logger.Infof("pacdecider: fetching %s", source.String())
	fetcher := d.deps.Fetcher
	d.startOperation(d.fetchTimeout(), func(ctx context.Context) (string, error) {
		return fetcher.Fetch(ctx, source.URL)
	})
	return pacerrors.ErrIOPending
}

func (d *Decider) doFetchComplete(result error) error {
	d.logger.Infof("pacdecider: fetching %s... %s", d.currentSource().String(), model.ErrorToStringOrOK(result))
	if result != nil {
		return d.tryToFallback(result)
	}
	d.next = stateVerify
	return nil
}

func (d *Decider) doVerify() error {
	if d.opValue == "" {
		return d.tryToFallback(pacerrors.ErrPACScriptEmpty)
	}
	if d.deps.Validator == nil {
		d.next = stateVerifyComplete
		return nil
	}
	d.next = stateVerifyComplete
	validator := d.deps.Validator
	content := d.opValue
	d.startOperation(0, func(ctx context.Context) (string, error) {
		return content, validator.ValidatePACScript(content)
	})
	return pacerrors.ErrIOPending
}

func (d *Decider) doVerifyComplete(result error) error {
	if result != nil {
		d.logger.Warnf("pacdecider: invalid script from %s: %s", d.currentSource().String(), result.Error())
		return d.tryToFallback(result)
	}
	source := d.currentSource()
	d.script = &model.PACScript{
		Content:        d.opValue,
		FromAutoDetect: source.FromAutoDetect(),
		URL:            source.URL,
	}
	d.effective = proxyconfig.Config{
		PACURL:       source.URL,
		PACMandatory: d.config.PACMandatory,
		Source:       d.config.Source,
	}
	return nil
}

// tryToFallback moves to the next candidate, if any, or returns err.
func (d *Decider) tryToFallback(err error) error {
	if d.current+1 >= len(d.sources) {
		return err
	}
	d.logger.Infof("pacdecider: %s failed (%s); falling back", d.currentSource().String(), err.Error())
	d.current++
	d.numFallbacks++
	d.opValue = ""
	d.next = d.startState()
	return nil
}

func (d *Decider) fetchTimeout() time.Duration {
	if d.deps.FetchTimeout > 0 {
		return d.deps.FetchTimeout
	}
	return DefaultFetchTimeout
}

func (d *Decider) quickCheckTimeout() time.Duration {
	if d.deps.QuickCheckTimeout > 0 {
		return d.deps.QuickCheckTimeout
	}
	return DefaultQuickCheckTimeout
}

// newGeneration invalidates the completions of previous operations.
func (d *Decider) newGeneration() int64 {
	d.generation++
	return d.generation
}

// startOperation runs work in a background goroutine and resumes the loop
// on the control path once it completes or the timeout, if positive, expires.
func (d *Decider) startOperation(timeout time.Duration, work func(ctx context.Context) (string, error)) {
	gen := d.newGeneration()
	ctx, cancel := context.WithCancel(context.Background())
	d.cancelOp = cancel
	if timeout > 0 {
		d.timer = d.deps.Runner.PostDelayed(timeout, func() {
			d.onComplete(gen, "", pacerrors.ErrTimedOut)
		})
	}
	runner := d.deps.Runner
	go func() {
		value, err := work(ctx)
		runner.Post(func() {
			d.onComplete(gen, value, err)
		})
	}()
}

func (d *Decider) cancelOperation() {
	d.newGeneration()
	if d.cancelOp != nil {
		d.cancelOp()
		d.cancelOp = nil
	}
	d.timer.Stop()
	d.timer = nil
}

func (d *Decider) onComplete(gen int64, value string, err error) {
	if d.cancelled || gen != d.generation {
		return // stale completion
	}
	d.cancelOperation()
	d.opValue = value
	result := d.loop(err)
	if errors.Is(result, pacerrors.ErrIOPending) {
		return
	}
	callback := d.callback
	d.callback = nil
	if callback != nil {
		callback(result)
	}
}
