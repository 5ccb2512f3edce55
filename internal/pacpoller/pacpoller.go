// Package pacpoller periodically re-runs the PAC source decision in the
// background to detect whether the PAC script or the outcome of the
// decision changed.
package pacpoller

import (
	"errors"
	"time"

	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/pacdecider"
	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/pollpolicy"
	"github.com/ooni/pacproxy/internal/proxyconfig"
	"github.com/ooni/pacproxy/internal/runtimex"
	"github.com/ooni/pacproxy/internal/taskrunner"
)

// ChangeFunc is called when the poller detects a change. The owner may
// stop the poller from within this callback.
type ChangeFunc func(result error, script *model.PACScript, effective proxyconfig.Config)

// Dependencies contains the dependencies of a [*Poller].
type Dependencies struct {
	// Decider contains the MANDATORY dependencies used to create the
	// decider we run for each poll. Its Runner is also our control path.
	Decider *pacdecider.Dependencies

	// Logger is the OPTIONAL logger.
	Logger model.Logger

	// Policy is the OPTIONAL poll policy. When nil, we use [pollpolicy.Default].
	Policy pollpolicy.Policy
}

// Poller polls for changes in the PAC script. Each poll uses its own
// private decider, so polling never disturbs the caller's resolver.
//
// You MUST call the methods of a Poller from a task running on the runner.
type Poller struct {
	config     proxyconfig.Config
	decider    *pacdecider.Decider
	deps       *Dependencies
	lastErr    error
	lastPoll   time.Time
	lastScript *model.PACScript
	logger     model.Logger
	nextDelay  time.Duration
	nextMode   pollpolicy.Mode
	numPolls   int
	onChange   ChangeFunc
	policy     pollpolicy.Policy
	runner     *taskrunner.Runner
	stopped    bool
	timer      *taskrunner.Timer
}

// New creates and starts a [*Poller]. The initial error and script are the
// result of the decision the caller is currently using and are the baseline
// against which we detect changes.
func New(deps *Dependencies, config proxyconfig.Config, initErr error,
	initScript *model.PACScript, onChange ChangeFunc) *Poller {
	runtimex.Assert(deps != nil && deps.Decider != nil && deps.Decider.Runner != nil, "pacpoller: invalid dependencies")
	runtimex.Assert(onChange != nil, "pacpoller: nil onChange")
	policy := deps.Policy
	if policy == nil {
		policy = pollpolicy.Default{}
	}
	p := &Poller{
		config:     config,
		deps:       deps,
		lastErr:    initErr,
		lastScript: initScript,
		logger:     model.ValidLoggerOrDefault(deps.Logger),
		onChange:   onChange,
		policy:     policy,
		runner:     deps.Decider.Runner,
	}
	p.lastPoll = p.runner.Now()
	p.nextDelay, p.nextMode = p.policy.NextDelay(p.lastErr, -1)
	p.tryToStartNextPoll(false)
	return p
}

// OnLazyPoll notifies the poller about network activity, which may
// start a poll when using [pollpolicy.ModeStartAfterActivity].
func (p *Poller) OnLazyPoll() {
	if !p.stopped {
		p.tryToStartNextPoll(true)
	}
}

// Stop stops polling. After Stop returns, the change callback is never called.
func (p *Poller) Stop() {
	p.stopped = true
	p.timer.Stop()
	p.timer = nil
	if p.decider != nil {
		p.decider.Cancel()
		p.decider = nil
	}
}

// NextDelay returns the delay and the mode of the next poll.
func (p *Poller) NextDelay() (time.Duration, pollpolicy.Mode) {
	return p.nextDelay, p.nextMode
}

// NumPolls returns the number of polls we started.
func (p *Poller) NumPolls() int {
	return p.numPolls
}

func (p *Poller) tryToStartNextPoll(triggeredByActivity bool) {
	switch p.nextMode {
	case pollpolicy.ModeUseTimer:
		if !triggeredByActivity {
			p.startPollTimer()
		}
	case pollpolicy.ModeStartAfterActivity:
		if triggeredByActivity && p.decider == nil {
			if elapsed := p.runner.Now().Sub(p.lastPoll); elapsed >= p.nextDelay {
				p.doPoll()
			}
		}
	}
}

func (p *Poller) startPollTimer() {
	runtimex.Assert(p.decider == nil, "pacpoller: timer armed while polling")
	p.timer.Stop()
	p.timer = p.runner.PostDelayed(p.nextDelay, func() {
		p.timer = nil
		if !p.stopped {
			p.doPoll()
		}
	})
}

func (p *Poller) doPoll() {
	p.lastPoll = p.runner.Now()
	p.numPolls++
	p.logger.Debugf("pacpoller: poll #%d for %s", p.numPolls, p.config.String())
	p.decider = pacdecider.New(p.deps.Decider)
	result := p.decider.Start(p.config, 0, p.onDeciderComplete)
	if !errors.Is(result, pacerrors.ErrIOPending) {
		p.onDeciderComplete(result)
	}
}

func (p *Poller) onDeciderComplete(result error) {
	if p.stopped {
		return
	}
	decider := p.decider
	script := decider.Script()
	if p.hasScriptChanged(result, script) {
		p.logger.Infof("pacpoller: detected change: %s", model.ErrorToStringOrOK(result))
		effective := decider.EffectiveConfig()
		// the owner is likely to stop us while handling the notification
		p.runner.Post(func() {
			if !p.stopped {
				p.onChange(result, script, effective)
			}
		})
		return
	}
	p.decider = nil
	p.nextDelay, p.nextMode = p.policy.NextDelay(p.lastErr, p.nextDelay)
	p.logger.Debugf("pacpoller: no change; next poll in %s (%s)", p.nextDelay, p.nextMode)
	p.tryToStartNextPoll(false)
}

// hasScriptChanged returns whether the outcome of the decision differs from
// the baseline: the error class changed or, when both succeeded, the
// content or the provenance of the script changed.
func (p *Poller) hasScriptChanged(result error, script *model.PACScript) bool {
	if !pacerrors.Same(result, p.lastErr) {
		return true
	}
	if result != nil {
		return false
	}
	return !script.Equal(p.lastScript)
}
