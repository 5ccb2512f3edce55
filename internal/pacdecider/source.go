package pacdecider

import (
	"fmt"

	"github.com/ooni/pacproxy/internal/proxyconfig"
)

// SourceKind is the kind of a PAC [Source].
type SourceKind int

const (
	// SourceDHCP is a PAC script whose URL we discover using DHCP.
	SourceDHCP = SourceKind(iota)

	// SourceDNS is the PAC script at [DNSWPADURL].
	SourceDNS

	// SourceCustom is a PAC script at a configured URL.
	SourceCustom
)

// DNSWPADURL is the URL of the PAC script discovered using DNS.
const DNSWPADURL = "http://wpad/wpad.dat"

// DNSWPADHost is the host resolved by the quick check.
const DNSWPADHost = "wpad"

// String implements fmt.Stringer.
func (k SourceKind) String() string {
	switch k {
	case SourceDHCP:
		return "dhcp"
	case SourceDNS:
		return "dns"
	case SourceCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Source is a candidate location of the PAC script.
type Source struct {
	// Kind is the source kind.
	Kind SourceKind

	// URL is the PAC URL. It is empty for [SourceDHCP] until we
	// have discovered it.
	URL string
}

// String implements fmt.Stringer.
func (s Source) String() string {
	if s.URL == "" {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", s.Kind.String(), s.URL)
}

// FromAutoDetect returns whether we discovered the script using WPAD.
func (s Source) FromAutoDetect() bool {
	return s.Kind != SourceCustom
}

// BuildSources returns the ordered list of candidate sources for the
// given configuration: DHCP (only if withDHCP), then DNS, when auto
// detection is enabled, followed by the custom PAC URL, if any.
func BuildSources(config proxyconfig.Config, withDHCP bool) []Source {
	var sources []Source
	if config.AutoDetect {
		if withDHCP {
			sources = append(sources, Source{Kind: SourceDHCP})
		}
		sources = append(sources, Source{Kind: SourceDNS, URL: DNSWPADURL})
	}
	if config.PACURL != "" {
		sources = append(sources, Source{Kind: SourceCustom, URL: config.PACURL})
	}
	return sources
}
