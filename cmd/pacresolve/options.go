package main

//
// Building the service from the command line options
//

import (
	"time"

	"github.com/ooni/pacproxy/internal/hostresolver"
	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/pacfetch"
	"github.com/ooni/pacproxy/internal/pacjs"
	"github.com/ooni/pacproxy/internal/proxyconfig"
	"github.com/ooni/pacproxy/internal/proxyevents"
	"github.com/ooni/pacproxy/internal/proxyservice"
	"github.com/ooni/pacproxy/internal/resolverpool"
	"github.com/ooni/pacproxy/internal/wpaddhcp"
	"go.uber.org/multierr"
)

// flagsSourceName is the value of Config.Source for the flags configuration.
const flagsSourceName = "flags"

// options contains the command line options.
type options struct {
	autoDetect     bool
	bypass         string
	configFile     string
	debug          bool
	env            bool
	fetchTimeout   time.Duration
	mandatory      bool
	pacURL         string
	proxyRules     string
	resolvConf     string
	resolveTimeout time.Duration
	scriptTimeout  time.Duration
	workers        int
}

// flagsConfig returns the configuration described by the flags.
func (o *options) flagsConfig() (proxyconfig.Config, error) {
	rules, err := proxyconfig.ParseRules(o.proxyRules)
	if err != nil {
		return proxyconfig.Config{}, err
	}
	if o.bypass != "" {
		bypass, err := proxyconfig.ParseBypassRules(o.bypass)
		if err != nil {
			return proxyconfig.Config{}, err
		}
		rules.Bypass = bypass
	}
	config := proxyconfig.Config{
		AutoDetect:   o.autoDetect,
		PACURL:       o.pacURL,
		PACMandatory: o.mandatory,
		Rules:        rules,
		Source:       flagsSourceName,
	}
	return config, nil
}

// configSource returns the configuration source along with the function
// to release its resources.
func (o *options) configSource(logger model.Logger) (proxyconfig.Source, func() error, error) {
	switch {
	case o.configFile != "":
		fs, err := proxyconfig.NewFileSource(o.configFile, logger)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs.Close, nil
	case o.env:
		return proxyconfig.NewEnvSource(nil), func() error { return nil }, nil
	default:
		config, err := o.flagsConfig()
		if err != nil {
			return nil, nil, err
		}
		return proxyconfig.NewFixedSource(config, proxyconfig.AvailabilityValid), func() error { return nil }, nil
	}
}

// hostResolver returns the resolver or nil when we cannot read the name
// servers configuration, which disables the quick check.
func (o *options) hostResolver(logger model.Logger) model.HostResolver {
	resolver, err := hostresolver.NewFromFile(o.resolvConf, logger)
	if err != nil {
		logger.Warnf("pacresolve: cannot load %s: %s", o.resolvConf, err.Error())
		return nil
	}
	return resolver
}

// evaluators returns the factory of PAC script evaluators.
func (o *options) evaluators(hostResolver model.HostResolver, logger model.Logger) *pacjs.Factory {
	return &pacjs.Factory{
		HostResolver: hostResolver,
		Logger:       logger,
		Timeout:      o.scriptTimeout,
	}
}

// newService creates the resolution service. The returned function
// closes the service and the configuration source.
func (o *options) newService(
	logger model.Logger, sinks ...proxyservice.EventSink) (*proxyservice.Service, func() error, error) {
	source, closeSource, err := o.configSource(logger)
	if err != nil {
		return nil, nil, err
	}
	hostResolver := o.hostResolver(logger)
	evaluators := o.evaluators(hostResolver, logger)
	events := proxyservice.EventSinks{proxyevents.New(logger)}
	events = append(events, sinks...)
	svc := proxyservice.New(&proxyservice.Config{
		ConfigSource:      source,
		DHCP:              &wpaddhcp.Discoverer{Logger: logger},
		EventSink:         events,
		FetchTimeout:      o.fetchTimeout,
		Fetcher:           pacfetch.New(nil, logger),
		HostResolver:      hostResolver,
		Logger:            logger,
		QuickCheckEnabled: hostResolver != nil,
		ResolverFactory: &resolverpool.Factory{
			EvaluatorFactory: evaluators,
			Logger:           logger,
			MaxWorkers:       o.workers,
		},
		Validator: evaluators,
	})
	closer := func() error {
		return multierr.Combine(svc.Close(), closeSource())
	}
	return svc, closer, nil
}
