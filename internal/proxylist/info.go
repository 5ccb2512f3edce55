package proxylist

//
// info.go - the result of resolving the proxy for an URL.
//

import (
	"time"
)

// Info is the result of resolving the proxy to use for an URL.
//
// The zero value is an empty result. Use the Use* methods to fill it.
type Info struct {
	list           List
	didBypassProxy bool
	retryInfo      RetryMap
}

// UseDirect configures a direct connection.
func (i *Info) UseDirect() {
	i.reset()
	i.list = NewList(Direct())
}

// UseDirectWithBypassedProxy configures a direct connection and records
// that we did so because of a bypass rule.
func (i *Info) UseDirectWithBypassedProxy() {
	i.UseDirect()
	i.didBypassProxy = true
}

// UsePACString configures the result using a PAC result string. An
// invalid or empty PAC result string means DIRECT.
func (i *Info) UsePACString(pac string) {
	i.reset()
	list, ok := ParsePACString(pac)
	if !ok {
		list = NewList(Direct())
	}
	i.list = list
}

// UseList configures the result using the given list. An empty list
// means DIRECT.
func (i *Info) UseList(list List) {
	i.reset()
	if list.IsEmpty() {
		list = NewList(Direct())
	}
	i.list = list
}

func (i *Info) reset() {
	i.list = List{}
	i.didBypassProxy = false
	i.retryInfo = nil
}

// List returns the list of proxies.
func (i *Info) List() List {
	return i.list
}

// IsEmpty returns whether there are no proxies to try.
func (i *Info) IsEmpty() bool {
	return i.list.IsEmpty()
}

// IsDirect returns whether we should connect directly.
func (i *Info) IsDirect() bool {
	return i.list.First().IsDirect()
}

// ProxyServer returns the proxy to use or an invalid server if empty.
func (i *Info) ProxyServer() Server {
	return i.list.First()
}

// DidBypassProxy returns whether a bypass rule selected DIRECT.
func (i *Info) DidBypassProxy() bool {
	return i.didBypassProxy
}

// PACString returns the PAC representation of the result.
func (i *Info) PACString() string {
	return i.list.PACString()
}

// String implements fmt.Stringer.
func (i *Info) String() string {
	return i.PACString()
}

// RetryInfo returns the proxies we marked as bad while using this result.
func (i *Info) RetryInfo() RetryMap {
	return i.retryInfo
}

// Fallback marks the current proxy as bad because it failed with netErr
// and moves to the next one. It returns whether there is another proxy
// to try. The proxy stays bad for badFor since now; use DefaultRetryDelay
// unless you have a reason to do otherwise.
func (i *Info) Fallback(netErr error, now time.Time, badFor time.Duration) bool {
	if i.retryInfo == nil {
		i.retryInfo = RetryMap{}
	}
	return i.list.fallback(i.retryInfo, netErr, now, badFor)
}

// DeprioritizeBadProxies moves proxies bad at the given time to the end.
func (i *Info) DeprioritizeBadProxies(m RetryMap, now time.Time) {
	i.list = i.list.Deprioritize(m, now)
}
