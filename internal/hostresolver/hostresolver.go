// Package hostresolver resolves domain names by querying the name servers
// listed in resolv.conf using github.com/miekg/dns.
package hostresolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/pacerrors"
)

// DefaultConfigPath is the default resolv.conf path.
const DefaultConfigPath = "/etc/resolv.conf"

// Resolver is a [model.HostResolver] using the configured name servers.
//
// The zero value is invalid; construct using [New] or [NewFromFile].
type Resolver struct {
	// Client is the MANDATORY DNS client.
	Client *dns.Client

	// Config is the MANDATORY resolver configuration.
	Config *dns.ClientConfig

	// Logger is the MANDATORY logger.
	Logger model.Logger
}

var _ model.HostResolver = &Resolver{}

// New creates a [*Resolver] using the given configuration.
func New(config *dns.ClientConfig, logger model.Logger) *Resolver {
	timeout := time.Duration(config.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		Client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
		},
		Config: config,
		Logger: model.ValidLoggerOrDefault(logger),
	}
}

// NewFromFile reads the given resolv.conf file and calls [New].
func NewFromFile(path string, logger model.Logger) (*Resolver, error) {
	config, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	return New(config, logger), nil
}

// LookupHost implements model.HostResolver.
func (r *Resolver) LookupHost(ctx context.Context, hostname string) ([]string, error) {
	hostname = strings.TrimSuffix(hostname, ".")
	if addr, err := netip.ParseAddr(hostname); err == nil {
		return []string{addr.String()}, nil
	}
	if hostname == "" {
		return nil, fmt.Errorf("%w: empty hostname", pacerrors.ErrNameNotResolved)
	}
	r.Logger.Debugf("hostresolver: lookup %s", hostname)
	for _, name := range r.Config.NameList(hostname) {
		addrs, err := r.lookupName(ctx, name)
		if ctxErr := contextErr(ctx); err != nil && ctxErr != nil {
			return nil, ctxErr
		}
		if len(addrs) > 0 {
			r.Logger.Debugf("hostresolver: lookup %s... %v", hostname, addrs)
			return addrs, nil
		}
	}
	r.Logger.Debugf("hostresolver: lookup %s... %s", hostname, pacerrors.ErrNameNotResolved.Error())
	return nil, fmt.Errorf("%w: %s", pacerrors.ErrNameNotResolved, hostname)
}

// errNoServer indicates that no server answered a query.
var errNoServer = errors.New("hostresolver: no server answered")

// lookupName queries A and AAAA records for the given FQDN.
func (r *Resolver) lookupName(ctx context.Context, fqdn string) ([]string, error) {
	var (
		addrs   []string
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		reply, err := r.exchange(ctx, fqdn, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, answer := range reply.Answer {
			switch rr := answer.(type) {
			case *dns.A:
				if qtype == dns.TypeA {
					addrs = append(addrs, rr.A.String())
				}
			case *dns.AAAA:
				if qtype == dns.TypeAAAA {
					addrs = append(addrs, rr.AAAA.String())
				}
			}
		}
	}
	return addrs, lastErr
}

// exchange sends the query to each server in turn until one answers.
func (r *Resolver) exchange(ctx context.Context, fqdn string, qtype uint16) (*dns.Msg, error) {
	query := new(dns.Msg)
	query.SetQuestion(fqdn, qtype)
	query.RecursionDesired = true
	err := errNoServer
	for _, server := range r.Config.Servers {
		address := net.JoinHostPort(server, r.Config.Port)
		reply, _, exchangeErr := r.Client.ExchangeContext(ctx, query, address)
		if exchangeErr != nil {
			err = exchangeErr
			if ctxErr := contextErr(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			continue
		}
		if reply.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("hostresolver: %s", dns.RcodeToString[reply.Rcode])
		}
		return reply, nil
	}
	return nil, err
}

// contextErr is like ctx.Err but also reports an expired deadline whose
// timer has not fired yet, since socket deadlines may expire first.
func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return nil
}
