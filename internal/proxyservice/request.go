package proxyservice

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/proxylist"
	"github.com/ooni/pacproxy/internal/runtimex"
)

// Request is a pending resolution owned by the [*Service]. A request is
// either queued (waiting for the service to become ready), started (running
// on the resolver) or completed; completed requests are no longer pending.
//
// You MUST call the methods of a Request from the control path.
type Request struct {
	callback   func(error)
	cancelJob  context.CancelFunc
	created    time.Time
	generation int64
	id         string
	info       *proxylist.Info
	key        string
	method     string
	service    *Service
	started    bool
	url        *url.URL
}

// ID returns the unique ID of the request.
func (r *Request) ID() string {
	return r.id
}

// URL returns the sanitized URL we are resolving.
func (r *Request) URL() *url.URL {
	return r.url
}

// Cancel cancels the request. The callback will not be called. This
// method has no effect once the request has completed.
func (r *Request) Cancel() {
	if r.service == nil {
		return
	}
	r.service.removePending(r)
	r.suspend()
	r.callback = nil
	r.service = nil
}

// start submits the request to the resolver. We apply the implicit bypass
// rules first, so the script never sees requests for the local host.
func (r *Request) start() error {
	s := r.service
	runtimex.Assert(s.state == StateReady, "proxyservice: starting a request while not ready")
	if s.applyImplicitBypassRules(r.url, r.info) {
		return nil
	}
	if s.resolver == nil {
		runtimex.Assert(!s.config.HasAutomaticSettings(), "proxyservice: automatic settings without a resolver")
		s.config.Rules.Apply(r.url, r.info)
		return nil
	}
	r.started = true
	r.generation++
	gen := r.generation
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelJob = cancel
	resolver, URL, key := s.resolver, r.url, r.key
	s.logger.Debugf("proxyservice: request %s: starting for %s", r.id, URL.Redacted())
	go func() {
		pac, err := resolver.GetProxyForURL(ctx, URL, key)
		s.runner.Post(func() {
			if r.service == nil || !r.started || gen != r.generation {
				return // cancelled or suspended
			}
			r.onResolved(pac, err)
		})
	}()
	return pacerrors.ErrIOPending
}

// startAndCompleteCheckingForSynchronous starts a queued request, checking
// whether we can now complete it without running the script.
func (r *Request) startAndCompleteCheckingForSynchronous() {
	result := r.service.tryToCompleteSynchronously(r.url, r.info)
	if errors.Is(result, pacerrors.ErrIOPending) {
		result = r.start()
	}
	if !errors.Is(result, pacerrors.ErrIOPending) {
		r.complete(result)
	}
}

// suspend cancels the running job, if any, so that the request can
// be started again once the service is ready again.
func (r *Request) suspend() {
	r.started = false
	r.generation++
	if r.cancelJob != nil {
		r.cancelJob()
		r.cancelJob = nil
	}
}

func (r *Request) onResolved(pac string, err error) {
	r.cancelJob()
	r.cancelJob = nil
	if err == nil {
		r.info.UsePACString(pac)
	}
	r.complete(err)
}

// complete finishes the request and calls its callback.
func (r *Request) complete(result error) {
	s := r.service
	callback := r.callback
	r.callback = nil
	if callback == nil {
		return
	}
	s.removePending(r)
	r.service = nil
	result = s.didFinishResolvingProxy(r.id, r.url, r.method, r.info, result, r.created)
	callback(result)
}
