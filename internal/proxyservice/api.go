package proxyservice

//
// api.go - goroutine safe wrappers around the control path.
//

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/proxylist"
)

// parseURL parses the URL to resolve.
func parseURL(rawURL string) (*url.URL, error) {
	URL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", pacerrors.ErrInvalidURL, err.Error())
	}
	if URL.Scheme == "" || URL.Host == "" {
		return nil, fmt.Errorf("%w: missing scheme or host: %s", pacerrors.ErrInvalidURL, rawURL)
	}
	return URL, nil
}

// Resolve resolves the proxy to use for rawURL, blocking until we know
// the result or the context is done. After [*Service.Close], Resolve fails
// with [pacerrors.ErrAborted].
//
// This method is goroutine safe but MUST NOT be called from the control path.
func (s *Service) Resolve(ctx context.Context, rawURL, method, isolationKey string) (*proxylist.Info, error) {
	URL, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, pacerrors.ErrAborted
	}
	var (
		done = make(chan error, 1)
		info = &proxylist.Info{}
		req  *Request
	)
	ran := s.runner.Do(func() {
		var err error
		req, err = s.ResolveProxy(URL, method, isolationKey, info, func(err error) {
			done <- err
		})
		if !errors.Is(err, pacerrors.ErrIOPending) {
			done <- err
		}
	})
	if !ran {
		return nil, pacerrors.ErrAborted
	}
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return info, nil
	case <-ctx.Done():
		s.runner.Post(func() {
			if req != nil {
				req.Cancel()
			}
		})
		return nil, ctx.Err()
	case <-s.closedch:
		return nil, pacerrors.ErrAborted
	}
}

// Handle allows to cancel a resolution started by [*Service.ResolveAsync].
type Handle struct {
	released atomic.Bool
	req      *Request // only accessed on the control path
	service  *Service
}

// Release cancels the resolution. Once Release returns, we will not start
// calling the callback. This method is goroutine safe and idempotent.
func (h *Handle) Release() {
	if h.released.Swap(true) {
		return
	}
	h.service.runner.Post(func() {
		if h.req != nil {
			h.req.Cancel()
			h.req = nil
		}
	})
}

// ResolveAsync is like [*Service.Resolve] but calls callback, on the control
// path, when done. The info is nil when the error is not nil. You can cancel
// the resolution using [*Handle.Release].
//
// This method is goroutine safe.
func (s *Service) ResolveAsync(rawURL, method, isolationKey string,
	callback func(info *proxylist.Info, err error)) (*Handle, error) {
	URL, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, pacerrors.ErrAborted
	}
	h := &Handle{service: s}
	info := &proxylist.Info{}
	deliver := func(err error) {
		h.req = nil
		if h.released.Load() {
			return
		}
		if err != nil {
			callback(nil, err)
			return
		}
		callback(info, nil)
	}
	s.runner.Post(func() {
		if h.released.Load() {
			return
		}
		req, err := s.ResolveProxy(URL, method, isolationKey, info, deliver)
		if errors.Is(err, pacerrors.ErrIOPending) {
			h.req = req
			return
		}
		deliver(err)
	})
	return h, nil
}

// Report records the bad proxies met while using info. See [*Service.ReportSuccess].
//
// This method is goroutine safe.
func (s *Service) Report(info *proxylist.Info) {
	s.runner.Post(func() {
		s.ReportSuccess(info)
	})
}

// Reload forces reloading the configuration. See [*Service.ForceReloadProxyConfig].
//
// This method is goroutine safe.
func (s *Service) Reload() {
	s.runner.Post(s.ForceReloadProxyConfig)
}

// BadProxies returns a copy of the bad proxies map.
//
// This method is goroutine safe but MUST NOT be called from the control path.
func (s *Service) BadProxies() proxylist.RetryMap {
	var out proxylist.RetryMap
	s.runner.Do(func() {
		out = s.retry.Clone()
	})
	return out
}

// State returns the current state.
//
// This method is goroutine safe but MUST NOT be called from the control path.
func (s *Service) State() State {
	state := StateNone
	s.runner.Do(func() {
		state = s.state
	})
	return state
}

// Close destroys the service. Pending resolutions fail with
// [pacerrors.ErrAborted]. When we created the runner, we also close it.
//
// This method is idempotent and goroutine safe. It MUST NOT be called from
// the control path: use [*Service.Destroy] there.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.runner.Do(s.Destroy)
	close(s.closedch)
	if s.ownsRunner {
		s.runner.Close()
	}
	return nil
}
