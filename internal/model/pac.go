package model

//
// PAC collaborators
//

import (
	"context"
	"net/url"
)

// PACScript is a PAC script along with information about its provenance.
type PACScript struct {
	// Content is the script's text.
	Content string

	// FromAutoDetect indicates whether we discovered the script using
	// WPAD (either DHCP or DNS) rather than a custom URL.
	FromAutoDetect bool

	// URL is the URL from which we fetched the script.
	URL string
}

// Equal returns whether two scripts have the same content and provenance. Two
// nil scripts are equal and a nil script is never equal to a non-nil one.
func (ps *PACScript) Equal(other *PACScript) bool {
	if ps == nil || other == nil {
		return ps == other
	}
	return ps.Content == other.Content && ps.FromAutoDetect == other.FromAutoDetect
}

// PACFetcher fetches the bytes of PAC scripts.
type PACFetcher interface {
	// Fetch fetches the PAC script at the given URL. The context
	// carries the per-fetch deadline and cancellation.
	Fetch(ctx context.Context, URL string) (string, error)

	// Shutdown causes all current and future fetches to fail
	// immediately. It is idempotent.
	Shutdown()
}

// WPADDiscoverer discovers the URL of the PAC script using DHCP.
type WPADDiscoverer interface {
	// DiscoverPACURL returns the discovered PAC URL or an error. The
	// error wraps pacerrors.ErrPACNotConfigured when there is no
	// network adapter advertising a WPAD URL.
	DiscoverPACURL(ctx context.Context) (string, error)
}

// HostResolver resolves domain names.
type HostResolver interface {
	// LookupHost returns the IP addresses of the given host.
	LookupHost(ctx context.Context, hostname string) ([]string, error)
}

// PACValidator performs a trial load of a PAC script.
type PACValidator interface {
	// ValidatePACScript returns nil if we can use the given script.
	ValidatePACScript(script string) error
}

// PACEvaluator is an isolated PAC script execution context.
//
// An evaluator is NOT goroutine safe. The owner MUST serialize calls.
type PACEvaluator interface {
	// FindProxyForURL runs FindProxyForURL(url, host) and returns the
	// resulting PAC string (e.g., "PROXY 10.0.0.1:3128; DIRECT").
	FindProxyForURL(ctx context.Context, URL, host string) (string, error)
}

// PACEvaluatorFactory creates [PACEvaluator] instances.
type PACEvaluatorFactory interface {
	// NewPACEvaluator loads the given script into a new evaluator.
	NewPACEvaluator(script string) (PACEvaluator, error)
}

// ProxyResolver computes the PAC string for a given URL. Implementations
// MUST be goroutine safe.
type ProxyResolver interface {
	// GetProxyForURL returns the PAC string for the given, already
	// sanitized, URL. Cancelling the context cancels the request.
	GetProxyForURL(ctx context.Context, URL *url.URL, isolationKey string) (string, error)

	// Close releases the resources used by the resolver.
	Close()
}

// ProxyResolverFactory creates a [ProxyResolver] from a PAC script.
type ProxyResolverFactory interface {
	// CreateProxyResolver creates a new resolver for the given script.
	CreateProxyResolver(ctx context.Context, script *PACScript) (ProxyResolver, error)
}
