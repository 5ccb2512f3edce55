package hostresolver

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/miekg/dns"
	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/runtimex"
)

// startServer starts a UDP DNS server answering from the given zone, which
// maps FQDNs to addresses. Names missing from the zone get NXDOMAIN.
func startServer(t *testing.T, zone map[string][]string) *dns.ClientConfig {
	pconn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pconn.Close() })
	go func() {
		for {
			buffer := make([]byte, 1<<12)
			count, addr, err := pconn.ReadFrom(buffer)
			if err != nil {
				return
			}
			query := &dns.Msg{}
			if err := query.Unpack(buffer[:count]); err != nil {
				continue
			}
			data := runtimex.Try1(compose(query, zone).Pack())
			pconn.WriteTo(data, addr)
		}
	}()
	host, port, err := net.SplitHostPort(pconn.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	return &dns.ClientConfig{
		Servers:  []string{host},
		Search:   []string{"corp.example"},
		Port:     port,
		Ndots:    1,
		Timeout:  1,
		Attempts: 1,
	}
}

func compose(query *dns.Msg, zone map[string][]string) *dns.Msg {
	reply := new(dns.Msg)
	question := query.Question[0]
	addrs, found := zone[question.Name]
	if !found {
		reply.SetRcode(query, dns.RcodeNameError)
		return reply
	}
	reply.SetReply(query)
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		isIPv6 := strings.Contains(addr, ":")
		hdr := dns.RR_Header{Name: question.Name, Class: dns.ClassINET}
		switch {
		case !isIPv6 && question.Qtype == dns.TypeA:
			hdr.Rrtype = dns.TypeA
			reply.Answer = append(reply.Answer, &dns.A{Hdr: hdr, A: ip})
		case isIPv6 && question.Qtype == dns.TypeAAAA:
			hdr.Rrtype = dns.TypeAAAA
			reply.Answer = append(reply.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip})
		}
	}
	return reply
}

func TestLookupHost(t *testing.T) {
	zone := map[string][]string{
		"proxy.example.":     {"10.0.0.1", "fd00::1"},
		"wpad.corp.example.": {"10.0.0.2"},
		"empty.example.":     {},
	}
	r := New(startServer(t, zone), nil)

	type testcase struct {
		name   string
		input  string
		expect []string
		err    error
	}

	cases := []testcase{{
		name:   "for an IP address literal",
		input:  "192.168.1.1",
		expect: []string{"192.168.1.1"},
	}, {
		name:   "for a fully qualified name",
		input:  "proxy.example",
		expect: []string{"10.0.0.1", "fd00::1"},
	}, {
		name:   "for a plain name using the search list",
		input:  "wpad",
		expect: []string{"10.0.0.2"},
	}, {
		name:  "for a name that does not exist",
		input: "nonexistent.example",
		err:   pacerrors.ErrNameNotResolved,
	}, {
		name:  "for a name without addresses",
		input: "empty.example",
		err:   pacerrors.ErrNameNotResolved,
	}, {
		name:  "for an empty name",
		input: "",
		err:   pacerrors.ErrNameNotResolved,
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.LookupHost(context.Background(), tc.input)
			if !errors.Is(err, tc.err) {
				t.Fatal("unexpected error", err)
			}
			if diff := cmp.Diff(tc.expect, got); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestLookupHostCancelled(t *testing.T) {
	// a server that never answers
	pconn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pconn.Close()
	host, port, _ := net.SplitHostPort(pconn.LocalAddr().String())
	r := New(&dns.ClientConfig{Servers: []string{host}, Port: port, Ndots: 1, Timeout: 5}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = r.LookupHost(ctx, "proxy.example")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("unexpected error", err)
	}
	if code := pacerrors.Classify(err); code != "timed_out" {
		t.Fatal("unexpected classification", code)
	}
}

func TestNewFromFileMissing(t *testing.T) {
	if _, err := NewFromFile("/nonexistent/resolv.conf", nil); err == nil {
		t.Fatal("expected an error")
	}
}
