package proxylist

//
// retry.go - bookkeeping of bad proxies.
//

import (
	"sort"
	"time"
)

// DefaultRetryDelay is how long we consider a proxy bad after a failure.
const DefaultRetryDelay = 5 * time.Minute

// RetryInfo describes a proxy that recently failed.
type RetryInfo struct {
	// BadUntil is the time until which we consider the proxy bad.
	BadUntil time.Time

	// TryWhileBad indicates whether we should still try this proxy as a
	// last resort while it is bad rather than removing it.
	TryWhileBad bool

	// NetError is the error that caused us to mark the proxy as bad.
	NetError error
}

// IsBad returns whether the proxy is still bad at the given time.
func (ri RetryInfo) IsBad(now time.Time) bool {
	return !now.After(ri.BadUntil)
}

// RetryMap maps the [Server.String] of bad proxies to their [RetryInfo].
type RetryMap map[string]RetryInfo

// Clone returns a copy of the map.
func (m RetryMap) Clone() RetryMap {
	out := make(RetryMap, len(m))
	for key, value := range m {
		out[key] = value
	}
	return out
}

// Keys returns the sorted keys of the map.
func (m RetryMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Merge merges other into m and returns the sorted keys of the proxies that
// were not already inside m. For proxies already inside m, BadUntil never
// decreases: merging T1 and T2 in any order yields max(T1, T2).
func (m RetryMap) Merge(other RetryMap) []string {
	var added []string
	for key, value := range other {
		existing, found := m[key]
		if !found {
			m[key] = value
			added = append(added, key)
			continue
		}
		if existing.BadUntil.Before(value.BadUntil) {
			existing.BadUntil = value.BadUntil
			m[key] = existing
		}
	}
	sort.Strings(added)
	return added
}
