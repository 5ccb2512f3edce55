package wpaddhcp

//
// Reading WPAD URLs from DHCP client lease files
//

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ooni/pacproxy/internal/pacerrors"
)

// DefaultLeasePatterns contains the default lease file glob patterns. The
// %s placeholder is replaced with the adapter name.
var DefaultLeasePatterns = []string{
	"/var/lib/dhcp/dhclient.%s.leases",
	"/var/lib/dhcp/dhclient-*-%s.lease",
	"/var/lib/dhclient/dhclient-%s.leases",
	"/var/lib/dhclient/dhclient-*-%s.lease",
	"/var/lib/NetworkManager/dhclient-*-%s.lease",
}

// LeaseFileQuerier is an [AdapterQuerier] reading dhclient lease files.
type LeaseFileQuerier struct {
	// Patterns contains OPTIONAL glob patterns overriding [DefaultLeasePatterns].
	Patterns []string
}

var _ AdapterQuerier = &LeaseFileQuerier{}

// QueryPACURL implements AdapterQuerier.
func (q *LeaseFileQuerier) QueryPACURL(ctx context.Context, adapter string) (string, error) {
	patterns := q.Patterns
	if len(patterns) <= 0 {
		patterns = DefaultLeasePatterns
	}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(fmt.Sprintf(pattern, adapter))
		if err != nil {
			continue
		}
		for _, path := range matches {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if URL := readLeaseFile(path); URL != "" {
				return URL, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no WPAD option for %s", pacerrors.ErrPACNotConfigured, adapter)
}

func readLeaseFile(path string) string {
	filep, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer filep.Close()
	return parseLeases(filep)
}

// leaseOptionNames contains the names dhclient uses for option 252.
var leaseOptionNames = []string{"wpad", "wpad-url", "option-252"}

// parseLeases returns the WPAD URL of the most recent lease.
func parseLeases(r io.Reader) string {
	var URL string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, found := strings.CutPrefix(line, "option ")
		if !found {
			continue
		}
		name, value, found := strings.Cut(rest, " ")
		if !found {
			continue
		}
		for _, candidate := range leaseOptionNames {
			if name == candidate {
				URL = decodeOptionValue(value)
				break
			}
		}
	}
	return URL
}

// decodeOptionValue decodes a quoted string or a colon separated list of
// hex bytes, which is how dhclient writes options it does not know.
func decodeOptionValue(value string) string {
	value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), ";"))
	if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) && len(value) >= 2 {
		value = value[1 : len(value)-1]
	} else if data, err := hex.DecodeString(strings.ReplaceAll(padHexBytes(value), ":", "")); err == nil {
		value = string(data)
	}
	// some servers include the terminating NUL
	return strings.TrimSpace(strings.TrimRight(value, "\x00"))
}

// padHexBytes zero-pads single digit bytes (dhclient writes "a" for "0a").
func padHexBytes(value string) string {
	parts := strings.Split(value, ":")
	for idx, part := range parts {
		if len(part) == 1 {
			parts[idx] = "0" + part
		}
	}
	return strings.Join(parts, ":")
}
