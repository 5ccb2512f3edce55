package proxyservice

import (
	"net/url"

	"github.com/ooni/pacproxy/internal/proxylist"
)

// Delegate allows to interpose on the decisions of the [*Service]. The
// service calls the delegate from the control path.
type Delegate interface {
	// OnResolveProxy is called after a successful resolution and may
	// modify the info before we return it to the caller.
	OnResolveProxy(URL *url.URL, method string, retry proxylist.RetryMap, info *proxylist.Info)

	// OnFallback is called when the client reports a proxy we did not
	// already know to be bad.
	OnFallback(bad proxylist.Server, netErr error)

	// OnSuccessfulRequestAfterFailures is called when a request succeeded
	// after falling back over the given bad proxies.
	OnSuccessfulRequestAfterFailures(retry proxylist.RetryMap)
}
