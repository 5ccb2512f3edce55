// Package pacinit sequences deciding which PAC script to use and creating
// a proxy resolver from it into a single operation.
//
// Like [pacdecider], an [*Initializer] runs on the control path provided by
// a [*taskrunner.Runner]: call its methods from a task.
package pacinit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/pacdecider"
	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/proxyconfig"
	"github.com/ooni/pacproxy/internal/runtimex"
)

// Dependencies contains the dependencies of an [*Initializer].
type Dependencies struct {
	// Decider contains the MANDATORY dependencies used to create the
	// decider. Its Runner is also our control path.
	Decider *pacdecider.Dependencies

	// Factory is the MANDATORY factory creating resolvers.
	Factory model.ProxyResolverFactory

	// Logger is the OPTIONAL logger.
	Logger model.Logger
}

type state int

const (
	stateNone = state(iota)
	stateDecide
	stateDecideComplete
	stateCreate
	stateCreateComplete
)

// Initializer decides which script to use and then creates a resolver
// for it. An Initializer is single use.
//
// Construct using [New].
type Initializer struct {
	callback     func(error)
	cancelCreate context.CancelFunc
	cancelled    bool
	config       proxyconfig.Config
	decider      *pacdecider.Decider
	deps         *Dependencies
	effective    proxyconfig.Config
	generation   int64
	logger       model.Logger
	next         state
	resolver     model.ProxyResolver
	script       *model.PACScript
	started      bool
	waitDelay    time.Duration
}

// New creates a new [*Initializer].
func New(deps *Dependencies) *Initializer {
	runtimex.Assert(deps != nil && deps.Decider != nil && deps.Factory != nil, "pacinit: invalid dependencies")
	runtimex.Assert(deps.Decider.Runner != nil, "pacinit: nil runner")
	return &Initializer{
		deps:   deps,
		logger: model.ValidLoggerOrDefault(deps.Logger),
	}
}

// Start decides which script to use for config, after waiting for
// waitDelay, and creates a resolver for it. The return value follows the
// [pacerrors.ErrIOPending] convention of [*pacdecider.Decider.Start].
//
// When the decision yields no script (i.e., a direct configuration) we
// succeed without creating any resolver.
func (i *Initializer) Start(config proxyconfig.Config, waitDelay time.Duration, callback func(error)) error {
	i.markStarted(callback)
	i.config = config
	i.waitDelay = waitDelay
	i.next = stateDecide
	return i.startLoop(nil, callback)
}

// StartSkipDecider is like [*Initializer.Start] but reuses the outcome
// of a previous decision instead of deciding again.
func (i *Initializer) StartSkipDecider(effective proxyconfig.Config,
	deciderErr error, script *model.PACScript, callback func(error)) error {
	i.markStarted(callback)
	i.effective = effective
	i.script = script
	i.next = stateDecideComplete
	return i.startLoop(deciderErr, callback)
}

func (i *Initializer) markStarted(callback func(error)) {
	runtimex.Assert(!i.started, "pacinit: already started")
	runtimex.Assert(callback != nil, "pacinit: nil callback")
	i.started = true
}

func (i *Initializer) startLoop(result error, callback func(error)) error {
	result = i.loop(result)
	if errors.Is(result, pacerrors.ErrIOPending) {
		i.callback = callback
	}
	return result
}

// EffectiveConfig returns the decided configuration.
func (i *Initializer) EffectiveConfig() proxyconfig.Config {
	return i.effective
}

// Script returns the decided script, if any.
func (i *Initializer) Script() *model.PACScript {
	return i.script
}

// Resolver returns the created resolver, if any. The caller owns the
// resolver and is responsible for closing it.
func (i *Initializer) Resolver() model.ProxyResolver {
	return i.resolver
}

// Cancel aborts outstanding work. The callback will not be called.
func (i *Initializer) Cancel() {
	i.cancelled = true
	i.callback = nil
	i.next = stateNone
	if i.decider != nil {
		i.decider.Cancel()
	}
	i.generation++
	if i.cancelCreate != nil {
		i.cancelCreate()
		i.cancelCreate = nil
	}
}

// OnShutdown notifies the decider, if running, that its collaborators
// are shutting down, which causes us to fail with [pacerrors.ErrContextShutDown].
func (i *Initializer) OnShutdown() {
	if i.decider != nil && i.callback != nil {
		i.decider.OnShutdown()
	}
}

func (i *Initializer) loop(result error) error {
	for {
		current := i.next
		i.next = stateNone
		switch current {
		case stateDecide:
			result = i.doDecide()
		case stateDecideComplete:
			result = i.doDecideComplete(result)
		case stateCreate:
			result = i.doCreate()
		case stateCreateComplete:
			result = i.doCreateComplete(result)
		default:
			panic(fmt.Sprintf("pacinit: unexpected state: %d", current))
		}
		if errors.Is(result, pacerrors.ErrIOPending) || i.next == stateNone {
			return result
		}
	}
}

func (i *Initializer) doDecide() error {
	i.next = stateDecideComplete
	i.decider = pacdecider.New(i.deps.Decider)
	return i.decider.Start(i.config, i.waitDelay, i.onIOComplete)
}

func (i *Initializer) doDecideComplete(result error) error {
	if result != nil {
		i.logger.Warnf("pacinit: decide: %s", result.Error())
		return result
	}
	if i.decider != nil {
		i.effective = i.decider.EffectiveConfig()
		i.script = i.decider.Script()
	}
	if i.script == nil {
		i.logger.Debug("pacinit: no script to load")
		return nil
	}
	i.next = stateCreate
	return nil
}

func (i *Initializer) doCreate() error {
	i.next = stateCreateComplete
	i.generation++
	gen := i.generation
	ctx, cancel := context.WithCancel(context.Background())
	i.cancelCreate = cancel
	factory, runner, script := i.deps.Factory, i.deps.Decider.Runner, i.script
	i.logger.Infof("pacinit: creating resolver for %s", script.URL)
	go func() {
		resolver, err := factory.CreateProxyResolver(ctx, script)
		runner.Post(func() {
			if i.cancelled || gen != i.generation {
				if resolver != nil {
					resolver.Close()
				}
				return
			}
			i.cancelCreate = nil
			cancel()
			i.resolver = resolver
			i.onIOComplete(err)
		})
	}()
	return pacerrors.ErrIOPending
}

func (i *Initializer) doCreateComplete(result error) error {
	i.logger.Infof("pacinit: creating resolver for %s... %s", i.script.URL, model.ErrorToStringOrOK(result))
	if result != nil && i.resolver != nil {
		i.resolver.Close()
		i.resolver = nil
	}
	return result
}

func (i *Initializer) onIOComplete(result error) {
	if i.cancelled {
		return
	}
	result = i.loop(result)
	if errors.Is(result, pacerrors.ErrIOPending) {
		return
	}
	callback := i.callback
	i.callback = nil
	if callback != nil {
		callback(result)
	}
}
