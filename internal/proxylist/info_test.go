package proxylist

import (
	"errors"
	"testing"
	"time"
)

func TestInfo(t *testing.T) {
	t.Run("UseDirect", func(t *testing.T) {
		var info Info
		info.UseDirect()
		if !info.IsDirect() || info.DidBypassProxy() {
			t.Fatal("unexpected info", info.String())
		}
	})

	t.Run("UseDirectWithBypassedProxy", func(t *testing.T) {
		var info Info
		info.UseDirectWithBypassedProxy()
		if !info.IsDirect() || !info.DidBypassProxy() {
			t.Fatal("unexpected info", info.String())
		}
		info.UsePACString("PROXY a:80")
		if info.DidBypassProxy() {
			t.Fatal("Use* should reset the bypass flag")
		}
	})

	t.Run("UsePACString with an invalid string means DIRECT", func(t *testing.T) {
		for _, input := range []string{"", "   ", "BOGUS", ";;"} {
			var info Info
			info.UsePACString(input)
			if !info.IsDirect() {
				t.Fatal("expected DIRECT for", input)
			}
		}
	})

	t.Run("UseList with an empty list means DIRECT", func(t *testing.T) {
		var info Info
		info.UseList(List{})
		if !info.IsDirect() {
			t.Fatal("expected DIRECT")
		}
	})

	t.Run("Fallback", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		errMocked := errors.New("mocked error")

		var info Info
		info.UsePACString("PROXY a:80; PROXY b:80; DIRECT")

		if !info.Fallback(errMocked, now, DefaultRetryDelay) {
			t.Fatal("expected another proxy")
		}
		if info.ProxyServer().String() != "http://b:80" {
			t.Fatal("unexpected proxy", info.ProxyServer())
		}
		if !info.Fallback(errMocked, now, DefaultRetryDelay) {
			t.Fatal("expected another proxy")
		}
		if !info.IsDirect() {
			t.Fatal("expected DIRECT")
		}
		if info.Fallback(errMocked, now, DefaultRetryDelay) {
			t.Fatal("expected no other proxy")
		}

		retry := info.RetryInfo()
		if len(retry) != 2 {
			t.Fatal("unexpected retry info length", len(retry))
		}
		entry := retry["http://a:80"]
		if !entry.BadUntil.Equal(now.Add(DefaultRetryDelay)) {
			t.Fatal("unexpected bad until", entry.BadUntil)
		}
		if !errors.Is(entry.NetError, errMocked) {
			t.Fatal("unexpected net error", entry.NetError)
		}
	})

	t.Run("DeprioritizeBadProxies", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		var info Info
		info.UsePACString("PROXY a:80; PROXY b:80")
		info.DeprioritizeBadProxies(RetryMap{
			"http://a:80": {BadUntil: now.Add(time.Second), TryWhileBad: true},
		}, now)
		if info.PACString() != "PROXY b:80; PROXY a:80" {
			t.Fatal("unexpected result", info.PACString())
		}
	})
}
