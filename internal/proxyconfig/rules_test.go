package proxyconfig

import (
	"testing"

	"github.com/ooni/pacproxy/internal/proxylist"
)

func TestParseRules(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		rules, err := ParseRules("  ")
		if err != nil {
			t.Fatal(err)
		}
		if !rules.IsEmpty() || rules.Type != RulesEmpty {
			t.Fatal("expected empty rules")
		}
	})

	t.Run("single list", func(t *testing.T) {
		rules, err := ParseRules("a:8080, socks5://b")
		if err != nil {
			t.Fatal(err)
		}
		if rules.Type != RulesSingleList {
			t.Fatal("unexpected type", rules.Type)
		}
		if rules.Single.PACString() != "PROXY a:8080; SOCKS5 b:1080" {
			t.Fatal("unexpected list", rules.Single.PACString())
		}
	})

	t.Run("per scheme", func(t *testing.T) {
		rules, err := ParseRules("http=a:80; https=b:443; ftp=c; socks=d")
		if err != nil {
			t.Fatal(err)
		}
		if rules.Type != RulesPerScheme {
			t.Fatal("unexpected type", rules.Type)
		}
		expect := "http=PROXY a:80 https=PROXY b:443 ftp=PROXY c:80 fallback=SOCKS d:1080"
		if rules.String() != expect {
			t.Fatal("expected", expect, "got", rules.String())
		}
	})

	t.Run("errors", func(t *testing.T) {
		for _, input := range []string{"gopher=a:80", "http=gopher://a", "http=a:80;bogus", "x://y"} {
			if _, err := ParseRules(input); err == nil {
				t.Fatal("expected an error for", input)
			}
		}
	})
}

func TestRulesApply(t *testing.T) {
	perScheme, err := ParseRules("http=a:80;socks=d:1080")
	if err != nil {
		t.Fatal(err)
	}
	perScheme.Bypass = MustParseBypassRules("*.example.org")

	httpsOnly, err := ParseRules("https=b:443")
	if err != nil {
		t.Fatal(err)
	}

	single, err := ParseRules("a:8080")
	if err != nil {
		t.Fatal(err)
	}

	type testcase struct {
		name     string
		rules    Rules
		url      string
		expect   string
		bypassed bool
	}

	cases := []testcase{{
		name:   "empty rules mean direct",
		rules:  Rules{},
		url:    "http://www.example.com/",
		expect: "DIRECT",
	}, {
		name:   "single list",
		rules:  single,
		url:    "ftp://www.example.com/",
		expect: "PROXY a:8080",
	}, {
		name:     "single list and implicit bypass",
		rules:    single,
		url:      "http://127.0.0.1/",
		expect:   "DIRECT",
		bypassed: true,
	}, {
		name:   "per scheme with a matching scheme",
		rules:  perScheme,
		url:    "http://www.example.com/",
		expect: "PROXY a:80",
	}, {
		name:   "per scheme maps ws to http",
		rules:  perScheme,
		url:    "ws://www.example.com/",
		expect: "PROXY a:80",
	}, {
		name:   "per scheme uses the fallback",
		rules:  perScheme,
		url:    "https://www.example.com/",
		expect: "SOCKS d:1080",
	}, {
		name:     "per scheme with explicit bypass",
		rules:    perScheme,
		url:      "http://www.example.org/",
		expect:   "DIRECT",
		bypassed: true,
	}, {
		name:   "per scheme without a list for the scheme",
		rules:  httpsOnly,
		url:    "http://www.example.com/",
		expect: "DIRECT",
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var info proxylist.Info
			tc.rules.Apply(mustParseURL(t, tc.url), &info)
			if info.PACString() != tc.expect {
				t.Fatal("expected", tc.expect, "got", info.PACString())
			}
			if info.DidBypassProxy() != tc.bypassed {
				t.Fatal("unexpected bypassed flag", info.DidBypassProxy())
			}
		})
	}
}

func TestRulesEqual(t *testing.T) {
	a, _ := ParseRules("http=a:80")
	b, _ := ParseRules("http=a:80")
	c, _ := ParseRules("http=a:81")
	if !a.Equal(b) {
		t.Fatal("expected equal")
	}
	if a.Equal(c) {
		t.Fatal("expected different")
	}
	b.ReverseBypass = true
	if a.Equal(b) {
		t.Fatal("expected different")
	}
}
