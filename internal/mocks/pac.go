package mocks

import (
	"context"
	"net/url"

	"github.com/ooni/pacproxy/internal/model"
)

// PACFetcher is a mockable [model.PACFetcher].
type PACFetcher struct {
	MockFetch    func(ctx context.Context, URL string) (string, error)
	MockShutdown func()
}

var _ model.PACFetcher = &PACFetcher{}

// Fetch calls MockFetch.
func (f *PACFetcher) Fetch(ctx context.Context, URL string) (string, error) {
	return f.MockFetch(ctx, URL)
}

// Shutdown calls MockShutdown.
func (f *PACFetcher) Shutdown() {
	f.MockShutdown()
}

// WPADDiscoverer is a mockable [model.WPADDiscoverer].
type WPADDiscoverer struct {
	MockDiscoverPACURL func(ctx context.Context) (string, error)
}

var _ model.WPADDiscoverer = &WPADDiscoverer{}

// DiscoverPACURL calls MockDiscoverPACURL.
func (d *WPADDiscoverer) DiscoverPACURL(ctx context.Context) (string, error) {
	return d.MockDiscoverPACURL(ctx)
}

// PACValidator is a mockable [model.PACValidator].
type PACValidator struct {
	MockValidatePACScript func(script string) error
}

var _ model.PACValidator = &PACValidator{}

// ValidatePACScript calls MockValidatePACScript.
func (v *PACValidator) ValidatePACScript(script string) error {
	return v.MockValidatePACScript(script)
}

// PACEvaluator is a mockable [model.PACEvaluator].
type PACEvaluator struct {
	MockFindProxyForURL func(ctx context.Context, URL, host string) (string, error)
}

var _ model.PACEvaluator = &PACEvaluator{}

// FindProxyForURL calls MockFindProxyForURL.
func (e *PACEvaluator) FindProxyForURL(ctx context.Context, URL, host string) (string, error) {
	return e.MockFindProxyForURL(ctx, URL, host)
}

// PACEvaluatorFactory is a mockable [model.PACEvaluatorFactory].
type PACEvaluatorFactory struct {
	MockNewPACEvaluator func(script string) (model.PACEvaluator, error)
}

var _ model.PACEvaluatorFactory = &PACEvaluatorFactory{}

// NewPACEvaluator calls MockNewPACEvaluator.
func (f *PACEvaluatorFactory) NewPACEvaluator(script string) (model.PACEvaluator, error) {
	return f.MockNewPACEvaluator(script)
}

// ProxyResolver is a mockable [model.ProxyResolver].
type ProxyResolver struct {
	MockGetProxyForURL func(ctx context.Context, URL *url.URL, isolationKey string) (string, error)
	MockClose          func()
}

var _ model.ProxyResolver = &ProxyResolver{}

// GetProxyForURL calls MockGetProxyForURL.
func (r *ProxyResolver) GetProxyForURL(ctx context.Context, URL *url.URL, isolationKey string) (string, error) {
	return r.MockGetProxyForURL(ctx, URL, isolationKey)
}

// Close calls MockClose.
func (r *ProxyResolver) Close() {
	r.MockClose()
}

// ProxyResolverFactory is a mockable [model.ProxyResolverFactory].
type ProxyResolverFactory struct {
	MockCreateProxyResolver func(ctx context.Context, script *model.PACScript) (model.ProxyResolver, error)
}

var _ model.ProxyResolverFactory = &ProxyResolverFactory{}

// CreateProxyResolver calls MockCreateProxyResolver.
func (f *ProxyResolverFactory) CreateProxyResolver(
	ctx context.Context, script *model.PACScript) (model.ProxyResolver, error) {
	return f.MockCreateProxyResolver(ctx, script)
}
