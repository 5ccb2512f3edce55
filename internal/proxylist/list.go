package proxylist

//
// list.go - ordered list of proxies.
//

import (
	"strings"
	"time"
)

// List is an ordered list of proxy servers where the first server is the
// one to use and the others are fallbacks. The zero value is an empty list.
type List struct {
	servers []Server
}

// NewList creates a new [List] from the given servers.
func NewList(servers ...Server) List {
	return List{servers: append([]Server{}, servers...)}
}

// ParsePACString parses a PAC result string such as "PROXY a:80; DIRECT".
// We silently skip invalid entries. The second return value indicates
// whether we found at least one valid entry.
func ParsePACString(pac string) (List, bool) {
	var servers []Server
	for _, entry := range strings.Split(pac, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		server, err := ParsePACServer(entry)
		if err != nil {
			continue
		}
		servers = append(servers, server)
	}
	return List{servers: servers}, len(servers) > 0
}

// ParseURIList parses a comma or space separated list of proxy URIs.
func ParseURIList(value string, defaultScheme Scheme) (List, error) {
	var servers []Server
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	for _, field := range fields {
		server, err := ParseURIServer(field, defaultScheme)
		if err != nil {
			return List{}, err
		}
		servers = append(servers, server)
	}
	return List{servers: servers}, nil
}

// IsEmpty returns whether the list is empty.
func (l List) IsEmpty() bool {
	return len(l.servers) <= 0
}

// Len returns the number of servers.
func (l List) Len() int {
	return len(l.servers)
}

// Servers returns a copy of the servers.
func (l List) Servers() []Server {
	return append([]Server{}, l.servers...)
}

// First returns the first server or an invalid server if the list is empty.
func (l List) First() Server {
	if len(l.servers) <= 0 {
		return Server{}
	}
	return l.servers[0]
}

// PACString returns the PAC representation of the list.
func (l List) PACString() string {
	var entries []string
	for _, server := range l.servers {
		entries = append(entries, server.PACString())
	}
	return strings.Join(entries, "; ")
}

// Equal returns whether two lists contain the same servers in the same order.
func (l List) Equal(other List) bool {
	if len(l.servers) != len(other.servers) {
		return false
	}
	for idx := range l.servers {
		if l.servers[idx] != other.servers[idx] {
			return false
		}
	}
	return true
}

// Deprioritize returns a new list where the proxies that are bad at the
// given time are moved to the end. Bad proxies are removed unless their
// [RetryInfo] says we should try them while bad.
func (l List) Deprioritize(m RetryMap, now time.Time) List {
	var good, badToTry []Server
	for _, server := range l.servers {
		if info, found := m[server.String()]; found && info.IsBad(now) {
			if info.TryWhileBad {
				badToTry = append(badToTry, server)
			}
			continue
		}
		good = append(good, server)
	}
	return List{servers: append(good, badToTry...)}
}

// fallback marks the first server as bad inside m and removes it from the
// list. It returns whether there are other servers to try. We never mark
// the DIRECT server as bad.
func (l *List) fallback(m RetryMap, netErr error, now time.Time, badFor time.Duration) bool {
	if len(l.servers) <= 0 {
		return false
	}
	bad := l.servers[0]
	if !bad.IsDirect() {
		m.Merge(RetryMap{bad.String(): RetryInfo{
			BadUntil:    now.Add(badFor),
			TryWhileBad: true,
			NetError:    netErr,
		}})
	}
	l.servers = l.servers[1:]
	return len(l.servers) > 0
}
