// Package proxyconfig contains the proxy configuration, the manual
// proxy rules, the bypass rules, and the sources of configuration.
package proxyconfig

import (
	"fmt"
	"strings"
)

// Config is the proxy configuration. Treat it as an immutable value.
//
// The zero value means connecting directly.
type Config struct {
	// AutoDetect indicates whether to use WPAD to discover the PAC script.
	AutoDetect bool

	// PACURL is the optional URL of a custom PAC script.
	PACURL string

	// PACMandatory indicates that we must not fall back to the manual
	// rules (or to direct) when we cannot use the PAC script.
	PACMandatory bool

	// Rules contains the manual proxy rules.
	Rules Rules

	// Source describes where this configuration comes from (e.g., "env").
	Source string
}

// Direct returns a configuration for connecting directly.
func Direct() Config {
	return Config{}
}

// HasAutomaticSettings returns whether we need a PAC script.
func (c Config) HasAutomaticSettings() bool {
	return c.AutoDetect || c.PACURL != ""
}

// ClearAutomaticSettings returns a copy without the automatic settings.
func (c Config) ClearAutomaticSettings() Config {
	c.AutoDetect = false
	c.PACURL = ""
	return c
}

// Equal returns whether two configurations are equivalent. We do not
// compare the Source field.
func (c Config) Equal(other Config) bool {
	return c.AutoDetect == other.AutoDetect &&
		c.PACURL == other.PACURL &&
		c.PACMandatory == other.PACMandatory &&
		c.Rules.Equal(other.Rules)
}

// String returns a human readable representation of the configuration.
func (c Config) String() string {
	var parts []string
	if c.AutoDetect {
		parts = append(parts, "auto_detect")
	}
	if c.PACURL != "" {
		parts = append(parts, fmt.Sprintf("pac_url=%s", c.PACURL))
	}
	if c.PACMandatory {
		parts = append(parts, "pac_mandatory")
	}
	if rules := c.Rules.String(); rules != "" {
		parts = append(parts, rules)
	}
	if len(parts) <= 0 {
		parts = append(parts, "direct")
	}
	if c.Source != "" {
		parts = append(parts, fmt.Sprintf("source=%s", c.Source))
	}
	return strings.Join(parts, " ")
}
