package proxyconfig

//
// bypass.go - rules deciding which URLs should not use a proxy.
//

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/net/idna"
)

// ErrInvalidBypassRule indicates that we cannot parse a bypass rule.
var ErrInvalidBypassRule = errors.New("proxyconfig: invalid bypass rule")

// ruleResult is the result of matching a single bypass rule.
type ruleResult int

const (
	ruleNoMatch = ruleResult(iota)
	ruleInclude
	ruleExclude
)

// bypassRule is a single bypass rule.
type bypassRule interface {
	match(u *url.URL) ruleResult
	String() string
}

// BypassRules is an ordered list of bypass rules. When more than a rule
// matches an URL, the last one wins. The zero value contains no rules, in
// which case only the implicit rules apply.
//
// We support the following rule formats:
//
//   - "[scheme://]host_pattern[:port]" where host_pattern may contain
//     "*" wildcards (e.g., "*.example.com", "http://example.com:8080");
//
//   - "[scheme://].host_suffix[:port]" which is like "*.host_suffix";
//
//   - "ip_literal/prefix_length" which matches IP literals in a subnet;
//
//   - "<local>" which matches hostnames without dots;
//
//   - "<-loopback>" which removes the implicit rules.
//
// The implicit rules always send localhost, loopback, and link-local
// destinations direct unless "<-loopback>" removes them.
type BypassRules struct {
	rules []bypassRule
}

// ParseBypassRules parses a comma or semicolon separated list of rules.
func ParseBypassRules(value string) (BypassRules, error) {
	return parseBypassRules(value, false)
}

// ParseBypassRulesUsingSuffixMatching is like [ParseBypassRules] except
// that every host pattern not starting with "*" gets an implicit leading
// "*". This is how the no_proxy environment variable is usually meant.
func ParseBypassRulesUsingSuffixMatching(value string) (BypassRules, error) {
	return parseBypassRules(value, true)
}

func parseBypassRules(value string, suffixMatching bool) (BypassRules, error) {
	var br BypassRules
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	for _, field := range fields {
		if err := br.add(field, suffixMatching); err != nil {
			return BypassRules{}, err
		}
	}
	return br, nil
}

// MustParseBypassRules is like [ParseBypassRules] but panics on error.
func MustParseBypassRules(value string) BypassRules {
	br, err := ParseBypassRules(value)
	if err != nil {
		panic(err)
	}
	return br
}

// Add parses and appends a single rule.
func (br *BypassRules) Add(rule string) error {
	return br.add(rule, false)
}

func (br *BypassRules) add(raw string, suffixMatching bool) error {
	rule, err := parseBypassRule(strings.TrimSpace(raw), suffixMatching)
	if err != nil {
		return err
	}
	br.rules = append(br.rules, rule)
	return nil
}

// Len returns the number of explicit rules.
func (br BypassRules) Len() int {
	return len(br.rules)
}

// String returns the rules separated by commas.
func (br BypassRules) String() string {
	var out []string
	for _, rule := range br.rules {
		out = append(out, rule.String())
	}
	return strings.Join(out, ",")
}

// Equal returns whether the two sets of rules are the same.
func (br BypassRules) Equal(other BypassRules) bool {
	return br.String() == other.String()
}

// Matches returns whether we should bypass the proxy for the given URL. When
// reverse is true, the explicit rules have the opposite meaning, i.e., they
// select the URLs for which we should use the proxy.
func (br BypassRules) Matches(u *url.URL, reverse bool) bool {
	for idx := len(br.rules) - 1; idx >= 0; idx-- {
		switch br.rules[idx].match(u) {
		case ruleInclude:
			return !reverse
		case ruleExclude:
			return reverse
		}
	}
	if MatchesImplicitRules(u) {
		return true
	}
	return reverse
}

// MatchesImplicitRules returns whether the URL's host is localhost, a
// loopback address, or a link-local address.
func MatchesImplicitRules(u *url.URL) bool {
	host := canonicalHost(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

// canonicalHost lowercases the host and converts it to its ASCII form.
func canonicalHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if ascii, err := idna.Punycode.ToASCII(host); err == nil {
		return ascii
	}
	return host
}

// effectivePort returns the URL port or the default port for its scheme.
func effectivePort(u *url.URL) int {
	if value := u.Port(); value != "" {
		port, _ := strconv.Atoi(value)
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		return 80
	case "https", "wss":
		return 443
	case "ftp":
		return 21
	default:
		return -1
	}
}

func parseBypassRule(raw string, suffixMatching bool) (bypassRule, error) {
	switch raw {
	case "":
		return nil, fmt.Errorf("%w: empty rule", ErrInvalidBypassRule)
	case "<local>":
		return localRule{}, nil
	case "<-loopback>":
		return subtractImplicitRule{}, nil
	}

	var scheme string
	rest := raw
	if idx := strings.Index(rest, "://"); idx >= 0 {
		scheme = strings.ToLower(rest[:idx])
		rest = rest[idx+3:]
	}

	if strings.Contains(rest, "/") {
		prefix, err := netip.ParsePrefix(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidBypassRule, err.Error())
		}
		return cidrRule{scheme: scheme, prefix: prefix.Masked()}, nil
	}

	host, port, err := splitPatternHostPort(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %s", ErrInvalidBypassRule, raw, err.Error())
	}
	if strings.HasPrefix(host, ".") {
		host = "*" + host
	} else if suffixMatching && !strings.HasPrefix(host, "*") && !isIPLiteral(host) {
		host = "*" + host
	}
	host = canonicalHost(host)
	matcher, err := glob.Compile(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %s", ErrInvalidBypassRule, raw, err.Error())
	}
	return hostRule{scheme: scheme, pattern: host, port: port, glob: matcher}, nil
}

// splitPatternHostPort splits "host", "host:port", "[v6]", or "[v6]:port".
func splitPatternHostPort(value string) (string, int, error) {
	if value == "" {
		return "", 0, errors.New("empty host")
	}
	if strings.HasPrefix(value, "[") || strings.Count(value, ":") == 1 {
		host, portString, err := net.SplitHostPort(value)
		if err != nil {
			// "[v6]" without a port
			return strings.TrimSuffix(strings.TrimPrefix(value, "["), "]"), -1, nil
		}
		port, err := strconv.Atoi(portString)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, fmt.Errorf("invalid port %q", portString)
		}
		return host, port, nil
	}
	return value, -1, nil
}

func isIPLiteral(host string) bool {
	_, err := netip.ParseAddr(host)
	return err == nil
}

// hostRule matches the URL's host against a wildcard pattern.
type hostRule struct {
	scheme  string
	pattern string
	port    int
	glob    glob.Glob
}

func (r hostRule) match(u *url.URL) ruleResult {
	if r.scheme != "" && r.scheme != strings.ToLower(u.Scheme) {
		return ruleNoMatch
	}
	if r.port != -1 && r.port != effectivePort(u) {
		return ruleNoMatch
	}
	if !r.glob.Match(canonicalHost(u.Hostname())) {
		return ruleNoMatch
	}
	return ruleInclude
}

func (r hostRule) String() string {
	var builder strings.Builder
	if r.scheme != "" {
		builder.WriteString(r.scheme + "://")
	}
	host := r.pattern
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	builder.WriteString(host)
	if r.port != -1 {
		builder.WriteString(":" + strconv.Itoa(r.port))
	}
	return builder.String()
}

// cidrRule matches IP literals inside a subnet.
type cidrRule struct {
	scheme string
	prefix netip.Prefix
}

func (r cidrRule) match(u *url.URL) ruleResult {
	if r.scheme != "" && r.scheme != strings.ToLower(u.Scheme) {
		return ruleNoMatch
	}
	addr, err := netip.ParseAddr(u.Hostname())
	if err != nil {
		return ruleNoMatch
	}
	if addr.Is4In6() && r.prefix.Addr().Is4() {
		addr = addr.Unmap()
	}
	if !r.prefix.Contains(addr) {
		return ruleNoMatch
	}
	return ruleInclude
}

func (r cidrRule) String() string {
	if r.scheme != "" {
		return r.scheme + "://" + r.prefix.String()
	}
	return r.prefix.String()
}

// localRule matches hostnames without dots that are not IP literals.
type localRule struct{}

func (localRule) match(u *url.URL) ruleResult {
	host := u.Hostname()
	if host == "" || strings.Contains(host, ".") || isIPLiteral(host) {
		return ruleNoMatch
	}
	return ruleInclude
}

func (localRule) String() string {
	return "<local>"
}

// subtractImplicitRule prevents the implicit rules from matching.
type subtractImplicitRule struct{}

func (subtractImplicitRule) match(u *url.URL) ruleResult {
	if MatchesImplicitRules(u) {
		return ruleExclude
	}
	return ruleNoMatch
}

func (subtractImplicitRule) String() string {
	return "<-loopback>"
}
