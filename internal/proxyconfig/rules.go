package proxyconfig

//
// rules.go - manual proxy rules.
//

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ooni/pacproxy/internal/proxylist"
)

// RulesType is the type of [Rules].
type RulesType int

const (
	// RulesEmpty means that there are no manual proxies.
	RulesEmpty = RulesType(iota)

	// RulesSingleList means that the same list applies to all URLs.
	RulesSingleList

	// RulesPerScheme means that we select the list based on the URL scheme.
	RulesPerScheme
)

// Rules contains the manual proxy settings. The zero value is empty and
// means connecting directly.
type Rules struct {
	// Type is the rules type.
	Type RulesType

	// Single is the list used with [RulesSingleList].
	Single proxylist.List

	// HTTP is the list used for http:// and ws:// URLs with [RulesPerScheme].
	HTTP proxylist.List

	// HTTPS is the list used for https:// and wss:// URLs with [RulesPerScheme].
	HTTPS proxylist.List

	// FTP is the list used for ftp:// URLs with [RulesPerScheme].
	FTP proxylist.List

	// Fallback is the list used with [RulesPerScheme] when there is no list
	// for the URL scheme (typically a SOCKS proxy).
	Fallback proxylist.List

	// Bypass contains the URLs for which we should not use a proxy.
	Bypass BypassRules

	// ReverseBypass inverts the meaning of Bypass.
	ReverseBypass bool
}

// ParseRules parses manual proxy rules. The value is either a list of
// proxies (e.g., "a:8080" or "socks5://b:1080,direct://") applying to
// all the URLs or a semicolon separated list of "scheme=proxies" entries
// (e.g., "http=a:80;https=b:443;socks=c:1080").
func ParseRules(value string) (Rules, error) {
	var rules Rules
	value = strings.TrimSpace(value)
	if value == "" {
		return rules, nil
	}
	if !strings.Contains(value, "=") {
		list, err := proxylist.ParseURIList(value, proxylist.SchemeHTTP)
		if err != nil {
			return Rules{}, err
		}
		rules.Type = RulesSingleList
		rules.Single = list
		return rules, nil
	}
	rules.Type = RulesPerScheme
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		scheme, proxies, found := strings.Cut(entry, "=")
		if !found {
			return Rules{}, fmt.Errorf("proxyconfig: invalid rules entry %q", entry)
		}
		scheme = strings.ToLower(strings.TrimSpace(scheme))
		defaultScheme := proxylist.SchemeHTTP
		if scheme == "socks" {
			defaultScheme = proxylist.SchemeSOCKS4
		}
		list, err := proxylist.ParseURIList(proxies, defaultScheme)
		if err != nil {
			return Rules{}, err
		}
		switch scheme {
		case "http":
			rules.HTTP = list
		case "https":
			rules.HTTPS = list
		case "ftp":
			rules.FTP = list
		case "socks":
			rules.Fallback = list
		default:
			return Rules{}, fmt.Errorf("proxyconfig: unsupported scheme %q in rules", scheme)
		}
	}
	return rules, nil
}

// IsEmpty returns whether there are no manual proxies.
func (r Rules) IsEmpty() bool {
	switch r.Type {
	case RulesSingleList:
		return r.Single.IsEmpty()
	case RulesPerScheme:
		return r.HTTP.IsEmpty() && r.HTTPS.IsEmpty() && r.FTP.IsEmpty() && r.Fallback.IsEmpty()
	default:
		return true
	}
}

// listForScheme returns the list to use for the given URL scheme.
func (r Rules) listForScheme(scheme string) (proxylist.List, bool) {
	var list proxylist.List
	switch strings.ToLower(scheme) {
	case "http", "ws":
		list = r.HTTP
	case "https", "wss":
		list = r.HTTPS
	case "ftp":
		list = r.FTP
	}
	if !list.IsEmpty() {
		return list, true
	}
	if !r.Fallback.IsEmpty() {
		return r.Fallback, true
	}
	return proxylist.List{}, false
}

// Apply fills info with the proxies to use for the given URL.
func (r Rules) Apply(u *url.URL, info *proxylist.Info) {
	if r.IsEmpty() {
		info.UseDirect()
		return
	}
	if r.Bypass.Matches(u, r.ReverseBypass) {
		info.UseDirectWithBypassedProxy()
		return
	}
	switch r.Type {
	case RulesSingleList:
		info.UseList(r.Single)
	default:
		list, found := r.listForScheme(u.Scheme)
		if !found {
			info.UseDirect()
			return
		}
		info.UseList(list)
	}
}

// String returns a human readable representation of the rules.
func (r Rules) String() string {
	var parts []string
	switch r.Type {
	case RulesSingleList:
		parts = append(parts, "proxies="+r.Single.PACString())
	case RulesPerScheme:
		for _, entry := range []struct {
			name string
			list proxylist.List
		}{
			{"http", r.HTTP},
			{"https", r.HTTPS},
			{"ftp", r.FTP},
			{"fallback", r.Fallback},
		} {
			if !entry.list.IsEmpty() {
				parts = append(parts, entry.name+"="+entry.list.PACString())
			}
		}
	}
	if r.Bypass.Len() > 0 {
		parts = append(parts, "bypass="+r.Bypass.String())
	}
	if r.ReverseBypass {
		parts = append(parts, "reverse_bypass")
	}
	return strings.Join(parts, " ")
}

// Equal returns whether the two rules are equivalent.
func (r Rules) Equal(other Rules) bool {
	return r.Type == other.Type &&
		r.Single.Equal(other.Single) &&
		r.HTTP.Equal(other.HTTP) &&
		r.HTTPS.Equal(other.HTTPS) &&
		r.FTP.Equal(other.FTP) &&
		r.Fallback.Equal(other.Fallback) &&
		r.Bypass.Equal(other.Bypass) &&
		r.ReverseBypass == other.ReverseBypass
}
