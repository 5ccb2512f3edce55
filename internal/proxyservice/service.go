// Package proxyservice implements the service deciding which proxy to use
// for each URL.
//
// The [*Service] obtains the configuration from a [proxyconfig.Source]. With
// manual settings, it resolves synchronously by applying the manual rules.
// With automatic settings, it decides which PAC script to use, creates a
// resolver for it, and polls in the background to detect changes. Requests
// arriving before we are ready wait in a queue and start, in order, once we
// become ready.
//
// Most methods of the [*Service] run on the control path provided by its
// [*taskrunner.Runner]. The methods in api.go are goroutine safe wrappers.
package proxyservice

import (
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/pacdecider"
	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/pacinit"
	"github.com/ooni/pacproxy/internal/pacpoller"
	"github.com/ooni/pacproxy/internal/pollpolicy"
	"github.com/ooni/pacproxy/internal/proxyconfig"
	"github.com/ooni/pacproxy/internal/proxylist"
	"github.com/ooni/pacproxy/internal/runtimex"
	"github.com/ooni/pacproxy/internal/taskrunner"
)

// DefaultStallDelay is how long we wait after a network change before
// running the proxy auto configuration.
const DefaultStallDelay = 2 * time.Second

// State is the state of the [*Service].
type State int

const (
	// StateNone means we have not started applying any configuration.
	StateNone = State(iota)

	// StateWaitingForConfig means we are waiting for the config source.
	StateWaitingForConfig

	// StateWaitingForInitResolver means we are deciding which PAC
	// script to use and creating a resolver for it.
	StateWaitingForInitResolver

	// StateReady means we can resolve proxies.
	StateReady
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateWaitingForConfig:
		return "waiting_for_config"
	case StateWaitingForInitResolver:
		return "waiting_for_init_resolver"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Config contains the config for creating a [*Service].
type Config struct {
	// ConfigSource is the MANDATORY source of proxy configuration.
	ConfigSource proxyconfig.Source

	// DHCP is the OPTIONAL DHCP based WPAD discoverer.
	DHCP model.WPADDiscoverer

	// Delegate is the OPTIONAL delegate.
	Delegate Delegate

	// EventSink is the OPTIONAL event sink.
	EventSink EventSink

	// FetchTimeout is the OPTIONAL per-candidate fetch timeout.
	FetchTimeout time.Duration

	// Fetcher is the MANDATORY PAC fetcher.
	Fetcher model.PACFetcher

	// HostResolver is the OPTIONAL resolver used by the quick check.
	HostResolver model.HostResolver

	// Logger is the OPTIONAL logger.
	Logger model.Logger

	// PollPolicy is the OPTIONAL poll policy.
	PollPolicy pollpolicy.Policy

	// QuickCheckEnabled enables the DNS quick check.
	QuickCheckEnabled bool

	// QuickCheckTimeout is the OPTIONAL quick check timeout.
	QuickCheckTimeout time.Duration

	// ResolverFactory is the MANDATORY factory creating resolvers.
	ResolverFactory model.ProxyResolverFactory

	// Runner is the OPTIONAL control path. When nil, we create a runner
	// using the system clock and we close it in [*Service.Close].
	Runner *taskrunner.Runner

	// StallDelay is the OPTIONAL delay after a network change. When zero
	// or negative, we use [DefaultStallDelay].
	StallDelay time.Duration

	// Validator is the OPTIONAL validator performing a trial load of
	// fetched PAC scripts.
	Validator model.PACValidator
}

// Service resolves the proxy to use for URLs.
//
// Construct using [New].
type Service struct {
	closed       atomic.Bool
	closedch     chan struct{}
	config       proxyconfig.Config
	configSource proxyconfig.Source
	decider      *pacdecider.Dependencies
	delegate     Delegate
	destroyed    bool
	events       EventSink
	factory      model.ProxyResolverFactory
	fetched      *proxyconfig.Config
	fetcher      model.PACFetcher
	initializer  *pacinit.Initializer
	logger       model.Logger
	numInits     int64
	observer     *configObserver
	ownsRunner   bool
	pending      []*Request
	permanentErr error
	policy       pollpolicy.Policy
	poller       *pacpoller.Poller
	resolver     model.ProxyResolver
	retry        proxylist.RetryMap
	runner       *taskrunner.Runner
	stallDelay   time.Duration
	stallUntil   time.Time
	state        State
}

// New creates a new [*Service] and registers it as an observer of the
// config source. We do not read the configuration until the first request
// or the first configuration change.
func New(config *Config) *Service {
	runtimex.Assert(config != nil, "proxyservice: nil config")
	runtimex.Assert(config.ConfigSource != nil, "proxyservice: nil ConfigSource")
	runtimex.Assert(config.Fetcher != nil, "proxyservice: nil Fetcher")
	runtimex.Assert(config.ResolverFactory != nil, "proxyservice: nil ResolverFactory")
	runner, ownsRunner := config.Runner, false
	if runner == nil {
		runner, ownsRunner = taskrunner.New(nil), true
	}
	events := config.EventSink
	if events == nil {
		events = DiscardEventSink{}
	}
	stallDelay := config.StallDelay
	if stallDelay <= 0 {
		stallDelay = DefaultStallDelay
	}
	logger := model.ValidLoggerOrDefault(config.Logger)
	s := &Service{
		closedch:     make(chan struct{}),
		configSource: config.ConfigSource,
		decider: &pacdecider.Dependencies{
			DHCP:              config.DHCP,
			FetchTimeout:      config.FetchTimeout,
			Fetcher:           config.Fetcher,
			HostResolver:      config.HostResolver,
			Logger:            logger,
			QuickCheckEnabled: config.QuickCheckEnabled,
			QuickCheckTimeout: config.QuickCheckTimeout,
			Runner:            runner,
			Validator:         config.Validator,
		},
		delegate:   config.Delegate,
		events:     events,
		factory:    config.ResolverFactory,
		fetcher:    config.Fetcher,
		logger:     logger,
		ownsRunner: ownsRunner,
		policy:     config.PollPolicy,
		retry:      proxylist.RetryMap{},
		runner:     runner,
		stallDelay: stallDelay,
		state:      StateNone,
	}
	s.observer = &configObserver{s}
	s.configSource.AddObserver(s.observer)
	return s
}

// configObserver receives configuration changes from any goroutine and
// forwards them to the control path.
type configObserver struct {
	s *Service
}

var _ proxyconfig.Observer = &configObserver{}

// OnConfigChanged implements proxyconfig.Observer.
func (co *configObserver) OnConfigChanged(config proxyconfig.Config, availability proxyconfig.Availability) {
	co.s.runner.Post(func() {
		co.s.onConfigChanged(config, availability)
	})
}

// ResolveProxy resolves the proxy to use for rawURL and fills info.
//
// When the result is available synchronously, we return a nil request along
// with the result and we never call the callback. Otherwise, we return the
// pending request and [pacerrors.ErrIOPending] and we will call the callback
// exactly once, unless the request is cancelled.
//
// This method MUST be called from the control path.
func (s *Service) ResolveProxy(rawURL *url.URL, method, isolationKey string,
	info *proxylist.Info, callback func(error)) (*Request, error) {
	runtimex.Assert(info != nil && callback != nil, "proxyservice: nil info or callback")
	if s.destroyed {
		return nil, pacerrors.ErrAborted
	}

	// give polling collaborators a chance to notice network activity
	s.configSource.OnLazyPoll()
	if s.poller != nil {
		s.poller.OnLazyPoll()
	}

	if s.state == StateNone {
		s.applyProxyConfigIfAvailable()
		if s.destroyed {
			return nil, pacerrors.ErrAborted
		}
	}

	URL := SanitizeURL(rawURL)
	id := uuid.NewString()
	created := s.runner.Now()
	s.events.OnResolutionStarted(id, URL)

	result := s.tryToCompleteSynchronously(URL, info)
	if !errors.Is(result, pacerrors.ErrIOPending) {
		return nil, s.didFinishResolvingProxy(id, URL, method, info, result, created)
	}

	req := &Request{
		callback: callback,
		created:  created,
		id:       id,
		info:     info,
		key:      isolationKey,
		method:   method,
		service:  s,
		url:      URL,
	}
	if s.state == StateReady {
		result = req.start()
		if !errors.Is(result, pacerrors.ErrIOPending) {
			req.service = nil
			return nil, s.didFinishResolvingProxy(id, URL, method, info, result, created)
		}
	} else {
		s.logger.Debugf("proxyservice: request %s: waiting for %s", id, s.state)
	}
	s.pending = append(s.pending, req)
	return req, pacerrors.ErrIOPending
}

// ReportSuccess records the bad proxies we have met while successfully
// using info. A bad proxy stays bad until the latest time reported for it.
//
// This method MUST be called from the control path.
func (s *Service) ReportSuccess(info *proxylist.Info) {
	reported := info.RetryInfo()
	if len(reported) <= 0 || s.destroyed {
		return
	}
	if s.delegate != nil {
		s.delegate.OnSuccessfulRequestAfterFailures(reported)
	}
	for _, key := range s.retry.Merge(reported) {
		s.logger.Infof("proxyservice: marking %s as bad", key)
		if s.delegate == nil {
			continue
		}
		server, err := proxylist.ParseURIServer(key, proxylist.SchemeHTTP)
		if err != nil {
			continue
		}
		s.delegate.OnFallback(server, reported[key].NetError)
	}
	s.events.OnBadProxiesReported(reported)
}

// ClearBadProxiesCache forgets about the bad proxies.
//
// This method MUST be called from the control path.
func (s *Service) ClearBadProxiesCache() {
	s.retry = proxylist.RetryMap{}
}

// ForceReloadProxyConfig discards the current configuration and applies
// the configuration again, suspending the pending requests meanwhile.
//
// This method MUST be called from the control path.
func (s *Service) ForceReloadProxyConfig() {
	if s.destroyed {
		return
	}
	s.resetProxyConfig()
	s.applyProxyConfigIfAvailable()
}

// OnIPAddressChanged handles a change of the network. Because the right
// configuration for the new network may be essential, we block requests
// until we have applied the configuration again. We also delay the proxy
// auto configuration, since the network is often unstable right after a
// change.
//
// This method MUST be called from the control path.
func (s *Service) OnIPAddressChanged() {
	if s.destroyed {
		return
	}
	s.stallUntil = s.runner.Now().Add(s.stallDelay)
	if previous := s.resetProxyConfig(); previous != StateNone {
		s.applyProxyConfigIfAvailable()
	}
}

// OnDNSChanged handles a change of the DNS configuration.
//
// This method MUST be called from the control path.
func (s *Service) OnDNSChanged() {
	if s.poller != nil {
		s.poller.OnLazyPoll()
	}
}

// OnShutdown tells the service that its collaborators are shutting down. If
// we are still deciding, the decision fails with [pacerrors.ErrContextShutDown].
//
// This method MUST be called from the control path.
func (s *Service) OnShutdown() {
	if s.initializer != nil {
		s.initializer.OnShutdown()
	}
	s.fetcher.Shutdown()
}

// Destroy destroys the service. Pending requests fail with
// [pacerrors.ErrAborted]. Calling Destroy from a request callback is safe.
//
// This method MUST be called from the control path.
func (s *Service) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.configSource.RemoveObserver(s.observer)
	if s.poller != nil {
		s.poller.Stop()
		s.poller = nil
	}
	if s.initializer != nil {
		s.initializer.Cancel()
		s.initializer = nil
	}
	pending := s.pending
	s.pending = nil
	for _, req := range pending {
		req.suspend()
		callback := req.callback
		req.callback = nil
		req.service = nil
		s.events.OnResolutionFinished(req.id, req.url, req.info, pacerrors.ErrAborted, s.runner.Now().Sub(req.created))
		if callback != nil {
			callback(pacerrors.ErrAborted)
		}
	}
	if s.resolver != nil {
		s.resolver.Close()
		s.resolver = nil
	}
	s.state = StateNone
}

// CurrentState returns the state. This method MUST be called from the control path.
func (s *Service) CurrentState() State {
	return s.state
}

// NumPending returns the number of pending requests. This method MUST be
// called from the control path.
func (s *Service) NumPending() int {
	return len(s.pending)
}

func (s *Service) applyProxyConfigIfAvailable() {
	runtimex.Assert(s.state == StateNone, "proxyservice: applying config in the wrong state")
	s.configSource.OnLazyPoll()
	if s.fetched != nil {
		s.initializeUsingLastFetchedConfig()
		return
	}
	s.state = StateWaitingForConfig
	config, availability := s.configSource.Latest()
	if availability != proxyconfig.AvailabilityPending {
		s.onConfigChanged(config, availability)
	}
}

func (s *Service) onConfigChanged(config proxyconfig.Config, availability proxyconfig.Availability) {
	if s.destroyed {
		return
	}
	var effective proxyconfig.Config
	switch availability {
	case proxyconfig.AvailabilityPending:
		s.logger.Warn("proxyservice: ignoring pending config")
		return
	case proxyconfig.AvailabilityUnset:
		effective = proxyconfig.Direct()
		effective.Source = config.Source
	default:
		effective = config
	}
	s.logger.Infof("proxyservice: config changed: %s", effective.String())
	s.events.OnConfigChanged(effective, availability)
	s.fetched = &effective
	s.initializeUsingLastFetchedConfig()
}

func (s *Service) initializeUsingLastFetchedConfig() {
	s.resetProxyConfig()
	runtimex.Assert(s.fetched != nil, "proxyservice: no fetched config")
	if !s.fetched.HasAutomaticSettings() {
		s.config = *s.fetched
		s.setReady()
		return
	}
	s.state = StateWaitingForInitResolver
	waitDelay := s.stallUntil.Sub(s.runner.Now())
	s.initializer = s.newInitializer()
	result := s.initializer.Start(*s.fetched, waitDelay, s.onInitProxyResolverComplete)
	if !errors.Is(result, pacerrors.ErrIOPending) {
		s.onInitProxyResolverComplete(result)
	}
}

// initializeUsingDecidedConfig handles a change detected by the poller,
// reusing the poller's decision instead of deciding again.
func (s *Service) initializeUsingDecidedConfig(result error, script *model.PACScript, effective proxyconfig.Config) {
	if s.destroyed || s.fetched == nil {
		return
	}
	s.logger.Infof("proxyservice: the PAC script changed: %s", model.ErrorToStringOrOK(result))
	s.resetProxyConfig()
	s.state = StateWaitingForInitResolver
	s.initializer = s.newInitializer()
	rv := s.initializer.StartSkipDecider(effective, result, script, s.onInitProxyResolverComplete)
	if !errors.Is(rv, pacerrors.ErrIOPending) {
		s.onInitProxyResolverComplete(rv)
	}
}

func (s *Service) newInitializer() *pacinit.Initializer {
	s.numInits++
	return pacinit.New(&pacinit.Dependencies{
		Decider: s.decider,
		Factory: s.factory,
		Logger:  model.NewPrefixLogger(fmt.Sprintf("[init #%d] ", s.numInits), s.logger),
	})
}

func (s *Service) onInitProxyResolverComplete(result error) {
	runtimex.Assert(s.state == StateWaitingForInitResolver, "proxyservice: init completed in the wrong state")
	runtimex.Assert(s.initializer != nil && s.fetched != nil, "proxyservice: init completed without init or config")
	initializer := s.initializer
	s.initializer = nil
	s.config = initializer.EffectiveConfig()
	s.resolver = initializer.Resolver()

	// the poller periodically revisits the decision we have just made
	s.poller = pacpoller.New(&pacpoller.Dependencies{
		Decider: s.decider,
		Logger:  s.logger,
		Policy:  s.policy,
	}, *s.fetched, result, initializer.Script(), s.initializeUsingDecidedConfig)

	if result != nil {
		if s.fetched.PACMandatory {
			s.logger.Warnf("proxyservice: mandatory PAC script failed: %s; blocking all traffic", result.Error())
			s.config = *s.fetched
			result = pacerrors.ErrMandatoryProxyConfigurationFailed
		} else {
			s.logger.Warnf("proxyservice: PAC script failed: %s; using the manual rules", result.Error())
			s.config = s.fetched.ClearAutomaticSettings()
			result = nil
		}
	}
	s.permanentErr = result
	s.setReady()
}

// setReady moves to the ready state and starts the queued requests in the
// order in which we received them. A request callback may destroy the
// service or reset its configuration, so we check after each callback and
// leave the remaining requests queued when we are no longer ready.
func (s *Service) setReady() {
	runtimex.Assert(s.initializer == nil, "proxyservice: ready while initializing")
	s.state = StateReady
	snapshot := append([]*Request{}, s.pending...)
	for _, req := range snapshot {
		if s.destroyed || s.state != StateReady {
			return
		}
		if !s.containsPending(req) || req.started {
			continue
		}
		req.startAndCompleteCheckingForSynchronous()
	}
}

// resetProxyConfig goes back to the none state, suspending the pending
// requests, and returns the previous state.
func (s *Service) resetProxyConfig() State {
	previous := s.state
	s.permanentErr = nil
	s.retry = proxylist.RetryMap{}
	if s.poller != nil {
		s.poller.Stop()
		s.poller = nil
	}
	if s.initializer != nil {
		s.initializer.Cancel()
		s.initializer = nil
	}
	for _, req := range s.pending {
		req.suspend()
	}
	if s.resolver != nil {
		s.resolver.Close()
		s.resolver = nil
	}
	s.config = proxyconfig.Config{}
	s.state = StateNone
	return previous
}

func (s *Service) tryToCompleteSynchronously(URL *url.URL, info *proxylist.Info) error {
	if s.state != StateReady {
		return pacerrors.ErrIOPending
	}
	if s.permanentErr != nil {
		if s.applyImplicitBypassRules(URL, info) {
			return nil
		}
		return s.permanentErr
	}
	if s.config.HasAutomaticSettings() {
		return pacerrors.ErrIOPending
	}
	s.config.Rules.Apply(URL, info)
	return nil
}

func (s *Service) applyImplicitBypassRules(URL *url.URL, info *proxylist.Info) bool {
	if proxyconfig.MatchesImplicitRules(URL) {
		info.UseDirectWithBypassedProxy()
		return true
	}
	return false
}

// didFinishResolvingProxy post-processes the result of a resolution. A script
// failure means DIRECT unless the configuration is mandatory. A terminated
// script means we need to create the resolver again.
func (s *Service) didFinishResolvingProxy(id string, URL *url.URL, method string,
	info *proxylist.Info, result error, created time.Time) error {
	if result == nil {
		if s.delegate != nil {
			s.delegate.OnResolveProxy(URL, method, s.retry, info)
		}
		if len(s.retry) > 0 {
			info.DeprioritizeBadProxies(s.retry, s.runner.Now())
		}
	} else {
		s.logger.Warnf("proxyservice: request %s: %s", id, result.Error())
		resetConfig := errors.Is(result, pacerrors.ErrPACScriptTerminated)
		if !s.config.PACMandatory {
			info.UseDirect()
			result = nil
			if s.delegate != nil {
				s.delegate.OnResolveProxy(URL, method, s.retry, info)
			}
		} else {
			result = pacerrors.ErrMandatoryProxyConfigurationFailed
		}
		if resetConfig {
			s.resetProxyConfig()
			if len(s.pending) > 0 {
				s.applyProxyConfigIfAvailable()
			}
		}
	}
	s.events.OnResolutionFinished(id, URL, info, result, s.runner.Now().Sub(created))
	return result
}

func (s *Service) containsPending(req *Request) bool {
	for _, entry := range s.pending {
		if entry == req {
			return true
		}
	}
	return false
}

func (s *Service) removePending(req *Request) {
	for idx, entry := range s.pending {
		if entry == req {
			s.pending = append(s.pending[:idx:idx], s.pending[idx+1:]...)
			return
		}
	}
}
