package wpaddhcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ooni/pacproxy/internal/pacerrors"
)

func TestParseLeases(t *testing.T) {
	type testcase struct {
		name   string
		input  string
		expect string
	}

	cases := []testcase{{
		name: "with a quoted wpad option",
		input: `lease {
  interface "eth0";
  option wpad "http://wpad.corp.example/wpad.dat";
}`,
		expect: "http://wpad.corp.example/wpad.dat",
	}, {
		name: "with a hex encoded option-252",
		input: `lease {
  option option-252 68:74:74:70:3a:2f:2f:61:2f:70:2e:70:61:63:0;
}`,
		expect: "http://a/p.pac",
	}, {
		name: "the most recent lease wins",
		input: `lease {
  option wpad-url "http://old/wpad.dat";
}
lease {
  option wpad-url "http://new/wpad.dat";
}`,
		expect: "http://new/wpad.dat",
	}, {
		name: "without the option",
		input: `lease {
  option routers 10.0.0.1;
}`,
		expect: "",
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseLeases(strings.NewReader(tc.input)); got != tc.expect {
				t.Fatalf("expected %q, got %q", tc.expect, got)
			}
		})
	}
}

func TestLeaseFileQuerier(t *testing.T) {
	dir := t.TempDir()
	content := "lease {\n  option wpad \"http://wpad/wpad.dat\";\n}\n"
	if err := os.WriteFile(filepath.Join(dir, "dhclient.eth0.leases"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	q := &LeaseFileQuerier{Patterns: []string{filepath.Join(dir, "dhclient.%s.leases")}}

	t.Run("for an adapter with a lease", func(t *testing.T) {
		URL, err := q.QueryPACURL(context.Background(), "eth0")
		if err != nil {
			t.Fatal(err)
		}
		if URL != "http://wpad/wpad.dat" {
			t.Fatal("unexpected URL", URL)
		}
	})

	t.Run("for an adapter without a lease", func(t *testing.T) {
		_, err := q.QueryPACURL(context.Background(), "wlan0")
		if !errors.Is(err, pacerrors.ErrPACNotConfigured) {
			t.Fatal("unexpected error", err)
		}
	})
}
