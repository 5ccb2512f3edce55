package proxyconfig

//
// env.go - configuration from environment variables.
//

import (
	"os"
	"strings"
	"sync"

	"github.com/ooni/pacproxy/internal/proxylist"
)

// LookupEnvFunc is the type of [os.LookupEnv].
type LookupEnvFunc func(key string) (string, bool)

// EnvSource is a [Source] reading the conventional proxy environment
// variables. We read the environment again on every [*EnvSource.OnLazyPoll]
// and we notify the observers when the configuration changes.
type EnvSource struct {
	availability Availability
	config       Config
	lookup       LookupEnvFunc
	mu           sync.Mutex
	observers    observerList
}

var _ Source = &EnvSource{}

// NewEnvSource creates a new [*EnvSource]. A nil lookup function means
// that we use [os.LookupEnv].
func NewEnvSource(lookup LookupEnvFunc) *EnvSource {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	config, availability := ConfigFromEnv(lookup)
	return &EnvSource{
		availability: availability,
		config:       config,
		lookup:       lookup,
	}
}

// Latest implements Source.
func (es *EnvSource) Latest() (Config, Availability) {
	defer es.mu.Unlock()
	es.mu.Lock()
	return es.config, es.availability
}

// AddObserver implements Source.
func (es *EnvSource) AddObserver(o Observer) {
	es.observers.add(o)
}

// RemoveObserver implements Source.
func (es *EnvSource) RemoveObserver(o Observer) {
	es.observers.remove(o)
}

// OnLazyPoll implements Source.
func (es *EnvSource) OnLazyPoll() {
	config, availability := ConfigFromEnv(es.lookup)
	es.mu.Lock()
	changed := availability != es.availability || !config.Equal(es.config)
	es.config, es.availability = config, availability
	es.mu.Unlock()
	if changed {
		es.observers.notify(config, availability)
	}
}

// envSourceName is the value of Config.Source for [EnvSource].
const envSourceName = "env"

// ConfigFromEnv builds a configuration using the environment variables
// auto_proxy, all_proxy, http_proxy, https_proxy, ftp_proxy, SOCKS_SERVER,
// SOCKS_VERSION, and no_proxy. For each variable we also try the name in
// the opposite case. When no variable is set, we return [AvailabilityUnset].
func ConfigFromEnv(lookup LookupEnvFunc) (Config, Availability) {
	env := envReader{lookup}
	config := Config{Source: envSourceName}

	// auto_proxy set to the empty string means WPAD, otherwise it is the URL
	// of the PAC script and we ignore the manual settings
	if value, found := env.get("auto_proxy"); found {
		if value == "" {
			config.AutoDetect = true
		} else {
			config.PACURL = value
		}
		return config, AvailabilityValid
	}

	// all_proxy is a shortcut to avoid setting {http,https,ftp}_proxy
	if server, found := env.proxy("all_proxy", proxylist.SchemeHTTP); found {
		config.Rules.Type = RulesSingleList
		config.Rules.Single = proxylist.NewList(server)
	} else {
		config.Rules.Type = RulesPerScheme
		if server, found := env.proxy("http_proxy", proxylist.SchemeHTTP); found {
			config.Rules.HTTP = proxylist.NewList(server)
		}
		if server, found := env.proxy("https_proxy", proxylist.SchemeHTTP); found {
			config.Rules.HTTPS = proxylist.NewList(server)
		}
		if server, found := env.proxy("ftp_proxy", proxylist.SchemeHTTP); found {
			config.Rules.FTP = proxylist.NewList(server)
		}
		if config.Rules.IsEmpty() {
			scheme := proxylist.SchemeSOCKS5
			if version, _ := env.get("SOCKS_VERSION"); version == "4" {
				scheme = proxylist.SchemeSOCKS4
			}
			if server, found := env.proxy("SOCKS_SERVER", scheme); found {
				config.Rules.Type = RulesSingleList
				config.Rules.Single = proxylist.NewList(server)
			}
		}
	}
	if config.Rules.IsEmpty() {
		return Config{Source: envSourceName}, AvailabilityUnset
	}

	noProxy, _ := env.get("no_proxy")
	if strings.TrimSpace(noProxy) == "*" {
		return Config{Source: envSourceName}, AvailabilityValid
	}
	config.Rules.Bypass = parseNoProxy(noProxy)
	return config, AvailabilityValid
}

// parseNoProxy parses no_proxy using suffix matching and skipping
// the entries we cannot parse.
func parseNoProxy(value string) BypassRules {
	var br BypassRules
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	for _, field := range fields {
		_ = br.add(field, true)
	}
	return br
}

type envReader struct {
	lookup LookupEnvFunc
}

// get returns the value of the variable trying both the given name and
// the same name with the opposite case.
func (er envReader) get(name string) (string, bool) {
	if value, found := er.lookup(name); found {
		return value, true
	}
	other := strings.ToUpper(name)
	if other == name {
		other = strings.ToLower(name)
	}
	return er.lookup(other)
}

// proxy returns the proxy server inside the variable, if any.
func (er envReader) proxy(name string, defaultScheme proxylist.Scheme) (proxylist.Server, bool) {
	value, _ := er.get(name)
	if strings.TrimSpace(value) == "" {
		return proxylist.Server{}, false
	}
	server, err := proxylist.ParseURIServer(value, defaultScheme)
	if err != nil {
		return proxylist.Server{}, false
	}
	return server, true
}
