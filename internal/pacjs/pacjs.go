// Package pacjs evaluates PAC scripts using github.com/dop251/goja.
//
// Each [*Evaluator] owns an independent JavaScript runtime preloaded
// with the Netscape PAC utility functions (isPlainHostName, dnsResolve,
// shExpMatch, and so on). Evaluators are not goroutine safe; the
// resolver pool gives each worker its own evaluator.
package pacjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/gobwas/glob"
	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/pacerrors"
)

// ScriptName is the name under which we load PAC scripts into the runtime.
const ScriptName = "proxy.pac"

// Factory creates [*Evaluator] instances. The zero value is ready to use.
type Factory struct {
	// HostResolver is the OPTIONAL resolver used by dnsResolve, isResolvable
	// and isInNet. When nil, name lookups always fail.
	HostResolver model.HostResolver

	// Logger is the OPTIONAL logger. Messages passed to alert() are
	// written to this logger.
	Logger model.Logger

	// MyIPAddress is the OPTIONAL function implementing myIpAddress(). When
	// nil, we return the first non-loopback IPv4 address of this host.
	MyIPAddress func() string

	// Now is the OPTIONAL function returning the current time used by the
	// date and time functions. When nil, we use [time.Now].
	Now func() time.Time

	// Timeout is the OPTIONAL maximum duration of a single script run. When
	// zero, scripts run until they return or the context is done.
	Timeout time.Duration
}

var (
	_ model.PACEvaluatorFactory = &Factory{}
	_ model.PACValidator        = &Factory{}
)

// NewPACEvaluator implements model.PACEvaluatorFactory.
func (f *Factory) NewPACEvaluator(script string) (model.PACEvaluator, error) {
	return f.newEvaluator(script)
}

// ValidatePACScript implements model.PACValidator. We load the script
// into a throwaway runtime and check that FindProxyForURL is a function.
func (f *Factory) ValidatePACScript(script string) error {
	_, err := f.newEvaluator(script)
	return err
}

func (f *Factory) newEvaluator(script string) (*Evaluator, error) {
	e := &Evaluator{
		ctx:     context.Background(),
		factory: f,
		globs:   map[string]glob.Glob{},
		logger:  model.ValidLoggerOrDefault(f.Logger),
		vm:      goja.New(),
	}
	if err := e.installLibrary(); err != nil {
		return nil, err
	}
	err := e.run(context.Background(), func() error {
		_, err := e.vm.RunScript(ScriptName, script)
		return err
	})
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(e.vm.Get("FindProxyForURL"))
	if !ok {
		return nil, fmt.Errorf("%w: FindProxyForURL is not a function", pacerrors.ErrPACScriptFailed)
	}
	e.fn = fn
	return e, nil
}

func (f *Factory) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Factory) myIPAddress() string {
	if f.MyIPAddress != nil {
		return f.MyIPAddress()
	}
	return defaultMyIPAddress()
}

// Evaluator is a [model.PACEvaluator] backed by a goja runtime.
type Evaluator struct {
	ctx        context.Context
	factory    *Factory
	fn         goja.Callable
	globs      map[string]glob.Glob
	logger     model.Logger
	terminated bool
	vm         *goja.Runtime
}

var _ model.PACEvaluator = &Evaluator{}

// FindProxyForURL implements model.PACEvaluator.
func (e *Evaluator) FindProxyForURL(ctx context.Context, URL, host string) (string, error) {
	var result goja.Value
	err := e.run(ctx, func() (err error) {
		result, err = e.fn(goja.Undefined(), e.vm.ToValue(URL), e.vm.ToValue(host))
		return
	})
	if err != nil {
		return "", err
	}
	value, ok := result.Export().(string)
	if !ok {
		return "", fmt.Errorf("%w: FindProxyForURL did not return a string", pacerrors.ErrPACScriptFailed)
	}
	return value, nil
}

// run runs fn such that the runtime is interrupted when the context is
// done. An interrupted runtime is unusable and later runs fail with
// [pacerrors.ErrPACScriptTerminated].
func (e *Evaluator) run(ctx context.Context, fn func() error) error {
	if e.terminated {
		return pacerrors.ErrPACScriptTerminated
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.factory.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.factory.Timeout)
		defer cancel()
	}

	e.ctx = ctx
	defer func() {
		e.ctx = context.Background()
	}()
	stop := context.AfterFunc(ctx, func() {
		e.vm.Interrupt(ctx.Err())
	})
	err := fn()
	if !stop() {
		// the interrupt may still be pending
		e.terminated = true
	}
	return e.classify(err)
}

func (e *Evaluator) classify(err error) error {
	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		e.terminated = true
		return fmt.Errorf("%w: %s", pacerrors.ErrPACScriptTerminated, err.Error())
	}
	return fmt.Errorf("%w: %s", pacerrors.ErrPACScriptFailed, err.Error())
}
