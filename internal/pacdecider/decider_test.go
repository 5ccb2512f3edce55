package pacdecider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/ooni/pacproxy/internal/mocks"
	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/proxyconfig"
	"github.com/ooni/pacproxy/internal/taskrunner"
)

// fetcherFromMap returns a fetcher serving scripts from the given map
// and failing with ErrHTTPResponseCodeFailure for unknown URLs. It also
// records the URLs it has been asked to fetch.
func fetcherFromMap(scripts map[string]string, fetched *[]string, mu *sync.Mutex) *mocks.PACFetcher {
	return &mocks.PACFetcher{
		MockFetch: func(ctx context.Context, URL string) (string, error) {
			mu.Lock()
			*fetched = append(*fetched, URL)
			mu.Unlock()
			script, found := scripts[URL]
			if !found {
				return "", pacerrors.ErrHTTPResponseCodeFailure
			}
			return script, nil
		},
		MockShutdown: func() {},
	}
}

// startAndWait starts the decider on the runner and returns a channel
// receiving the result, whether synchronous or asynchronous.
func startAndWait(runner *taskrunner.Runner, d *Decider, config proxyconfig.Config, delay time.Duration) <-chan error {
	ch := make(chan error, 2)
	runner.Do(func() {
		err := d.Start(config, delay, func(err error) {
			ch <- err
		})
		if !errors.Is(err, pacerrors.ErrIOPending) {
			ch <- err
		}
	})
	return ch
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the decider")
		return nil
	}
}

func TestBuildSources(t *testing.T) {
	type testcase struct {
		name     string
		config   proxyconfig.Config
		withDHCP bool
		expect   []Source
	}

	cases := []testcase{{
		name:   "direct",
		config: proxyconfig.Config{},
		expect: nil,
	}, {
		name:     "auto detect with DHCP",
		config:   proxyconfig.Config{AutoDetect: true},
		withDHCP: true,
		expect:   []Source{{Kind: SourceDHCP}, {Kind: SourceDNS, URL: DNSWPADURL}},
	}, {
		name:   "auto detect without DHCP",
		config: proxyconfig.Config{AutoDetect: true},
		expect: []Source{{Kind: SourceDNS, URL: DNSWPADURL}},
	}, {
		name:   "custom",
		config: proxyconfig.Config{PACURL: "http://a/p.pac"},
		expect: []Source{{Kind: SourceCustom, URL: "http://a/p.pac"}},
	}, {
		name:     "everything",
		config:   proxyconfig.Config{AutoDetect: true, PACURL: "http://a/p.pac"},
		withDHCP: true,
		expect: []Source{
			{Kind: SourceDHCP},
			{Kind: SourceDNS, URL: DNSWPADURL},
			{Kind: SourceCustom, URL: "http://a/p.pac"},
		},
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := BuildSources(tc.config, tc.withDHCP)
			if diff := cmp.Diff(tc.expect, got); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestDeciderWithoutCandidates(t *testing.T) {
	runner := taskrunner.New(nil)
	defer runner.Close()

	t.Run("when not mandatory we succeed with a direct config", func(t *testing.T) {
		deps := &Dependencies{Fetcher: &mocks.PACFetcher{}, Runner: runner}
		d := New(deps)
		var result error
		runner.Do(func() {
			result = d.Start(proxyconfig.Config{Source: "test"}, 0, func(error) {
				panic("should not be called")
			})
		})
		if result != nil {
			t.Fatal(result)
		}
		if d.EffectiveConfig().HasAutomaticSettings() || d.Script() != nil {
			t.Fatal("expected direct")
		}
		if d.EffectiveConfig().Source != "test" {
			t.Fatal("should have kept the source")
		}
	})

	t.Run("when mandatory we fail", func(t *testing.T) {
		deps := &Dependencies{Fetcher: &mocks.PACFetcher{}, Runner: runner}
		d := New(deps)
		var result error
		runner.Do(func() {
			result = d.Start(proxyconfig.Config{PACMandatory: true}, 0, func(error) {
				panic("should not be called")
			})
		})
		if !errors.Is(result, pacerrors.ErrPACNotConfigured) {
			t.Fatal("unexpected result", result)
		}
	})
}

func TestDeciderDHCPFailsThenDNSSucceeds(t *testing.T) {
	// Scenario: auto detect is enabled, DHCP does not provide any
	// WPAD option and the DNS candidate serves the script.
	runner := taskrunner.New(nil)
	defer runner.Close()

	const script = "function FindProxyForURL(url, host) { return 'PROXY a:80'; }"
	var (
		mu      sync.Mutex
		fetched []string
	)
	deps := &Dependencies{
		DHCP: &mocks.WPADDiscoverer{
			MockDiscoverPACURL: func(ctx context.Context) (string, error) {
				return "", pacerrors.ErrPACNotConfigured
			},
		},
		Fetcher: fetcherFromMap(map[string]string{DNSWPADURL: script}, &fetched, &mu),
		Runner:  runner,
	}

	d := New(deps)
	config := proxyconfig.Config{AutoDetect: true, Source: "test"}
	if err := waitResult(t, startAndWait(runner, d, config, 0)); err != nil {
		t.Fatal(err)
	}

	expectScript := &model.PACScript{Content: script, FromAutoDetect: true, URL: DNSWPADURL}
	if diff := cmp.Diff(expectScript, d.Script()); diff != "" {
		t.Fatal(diff)
	}
	expectConfig := proxyconfig.Config{PACURL: DNSWPADURL, Source: "test"}
	if !d.EffectiveConfig().Equal(expectConfig) || d.EffectiveConfig().Source != "test" {
		t.Fatal("unexpected effective config", d.EffectiveConfig().String())
	}
	if d.NumFallbacks() != 1 {
		t.Fatal("unexpected number of fallbacks", d.NumFallbacks())
	}
	if diff := cmp.Diff([]string{DNSWPADURL}, fetched); diff != "" {
		t.Fatal(diff)
	}
}

func TestDeciderFallbackOrder(t *testing.T) {
	// Scenario: with N candidates where only the last one succeeds, we
	// see N-1 fallbacks and we use the last candidate's payload.
	runner := taskrunner.New(nil)
	defer runner.Close()

	const (
		dhcpURL   = "http://dhcp.example.com/wpad.dat"
		customURL = "http://custom.example.com/proxy.pac"
		script    = "function FindProxyForURL(url, host) { return 'DIRECT'; }"
	)
	var (
		mu      sync.Mutex
		fetched []string
	)
	deps := &Dependencies{
		DHCP: &mocks.WPADDiscoverer{
			MockDiscoverPACURL: func(ctx context.Context) (string, error) {
				return dhcpURL, nil
			},
		},
		Fetcher: fetcherFromMap(map[string]string{customURL: script}, &fetched, &mu),
		Runner:  runner,
	}

	d := New(deps)
	config := proxyconfig.Config{AutoDetect: true, PACURL: customURL}
	if err := waitResult(t, startAndWait(runner, d, config, 0)); err != nil {
		t.Fatal(err)
	}

	if d.NumFallbacks() != len(d.Sources())-1 {
		t.Fatal("unexpected number of fallbacks", d.NumFallbacks())
	}
	if d.Script().Content != script || d.Script().FromAutoDetect {
		t.Fatal("unexpected script", d.Script())
	}
	if diff := cmp.Diff([]string{dhcpURL, DNSWPADURL, customURL}, fetched); diff != "" {
		t.Fatal(diff)
	}
	if d.Sources()[0].URL != dhcpURL {
		t.Fatal("should have recorded the discovered URL")
	}
}

func TestDeciderAllCandidatesFail(t *testing.T) {
	runner := taskrunner.New(nil)
	defer runner.Close()

	errCustom := errors.New("mocked custom error")
	deps := &Dependencies{
		Fetcher: &mocks.PACFetcher{
			MockFetch: func(ctx context.Context, URL string) (string, error) {
				if URL == DNSWPADURL {
					return "", pacerrors.ErrNameNotResolved
				}
				return "", errCustom
			},
		},
		Runner: runner,
	}

	d := New(deps)
	config := proxyconfig.Config{AutoDetect: true, PACURL: "http://a/p.pac"}
	err := waitResult(t, startAndWait(runner, d, config, 0))
	if !errors.Is(err, errCustom) {
		t.Fatal("expected the last candidate's error, got", err)
	}
	if d.Script() != nil {
		t.Fatal("expected nil script")
	}
}

func TestDeciderVerify(t *testing.T) {
	runner := taskrunner.New(nil)
	defer runner.Close()

	t.Run("an empty script is an error", func(t *testing.T) {
		deps := &Dependencies{
			Fetcher: &mocks.PACFetcher{
				MockFetch: func(ctx context.Context, URL string) (string, error) {
					return "", nil
				},
			},
			Runner: runner,
		}
		d := New(deps)
		err := waitResult(t, startAndWait(runner, d, proxyconfig.Config{PACURL: "http://a/"}, 0))
		if !errors.Is(err, pacerrors.ErrPACScriptEmpty) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("an empty script causes a fallback", func(t *testing.T) {
		deps := &Dependencies{
			Fetcher: &mocks.PACFetcher{
				MockFetch: func(ctx context.Context, URL string) (string, error) {
					if URL == DNSWPADURL {
						return "", nil
					}
					return "x", nil
				},
			},
			Runner: runner,
		}
		d := New(deps)
		err := waitResult(t, startAndWait(runner, d, proxyconfig.Config{AutoDetect: true, PACURL: "http://a/"}, 0))
		if err != nil {
			t.Fatal(err)
		}
		if d.NumFallbacks() != 1 || d.Script().URL != "http://a/" {
			t.Fatal("unexpected result")
		}
	})

	t.Run("the validator rejects the script", func(t *testing.T) {
		errInvalid := errors.New("mocked invalid script")
		deps := &Dependencies{
			Fetcher: &mocks.PACFetcher{
				MockFetch: func(ctx context.Context, URL string) (string, error) {
					return "garbage", nil
				},
			},
			Runner: runner,
			Validator: &mocks.PACValidator{
				MockValidatePACScript: func(script string) error {
					return errInvalid
				},
			},
		}
		d := New(deps)
		err := waitResult(t, startAndWait(runner, d, proxyconfig.Config{PACURL: "http://a/"}, 0))
		if !errors.Is(err, errInvalid) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("the validator accepts the script", func(t *testing.T) {
		deps := &Dependencies{
			Fetcher: &mocks.PACFetcher{
				MockFetch: func(ctx context.Context, URL string) (string, error) {
					return "good", nil
				},
			},
			Runner: runner,
			Validator: &mocks.PACValidator{
				MockValidatePACScript: func(script string) error {
					return nil
				},
			},
		}
		d := New(deps)
		err := waitResult(t, startAndWait(runner, d, proxyconfig.Config{PACURL: "http://a/"}, 0))
		if err != nil {
			t.Fatal(err)
		}
		if d.Script().Content != "good" {
			t.Fatal("unexpected script", d.Script())
		}
	})
}

func TestDeciderQuickCheck(t *testing.T) {
	runner := taskrunner.New(nil)
	defer runner.Close()

	failingResolver := &mocks.HostResolver{
		MockLookupHost: func(ctx context.Context, domain string) ([]string, error) {
			return nil, pacerrors.ErrNameNotResolved
		},
	}

	t.Run("a miss causes a fallback without fetching", func(t *testing.T) {
		var (
			mu      sync.Mutex
			fetched []string
		)
		deps := &Dependencies{
			Fetcher:           fetcherFromMap(map[string]string{"http://a/": "x", DNSWPADURL: "y"}, &fetched, &mu),
			HostResolver:      failingResolver,
			QuickCheckEnabled: true,
			Runner:            runner,
		}
		d := New(deps)
		err := waitResult(t, startAndWait(runner, d, proxyconfig.Config{AutoDetect: true, PACURL: "http://a/"}, 0))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"http://a/"}, fetched); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("a miss on the last candidate is the final error", func(t *testing.T) {
		var (
			mu      sync.Mutex
			fetched []string
		)
		deps := &Dependencies{
			Fetcher:           fetcherFromMap(map[string]string{DNSWPADURL: "y"}, &fetched, &mu),
			HostResolver:      failingResolver,
			QuickCheckEnabled: true,
			Runner:            runner,
		}
		d := New(deps)
		err := waitResult(t, startAndWait(runner, d, proxyconfig.Config{AutoDetect: true}, 0))
		if !errors.Is(err, pacerrors.ErrNameNotResolved) {
			t.Fatal("unexpected error", err)
		}
		if len(fetched) != 0 {
			t.Fatal("should not have fetched")
		}
	})

	t.Run("with a mandatory config a miss still attempts the fetch", func(t *testing.T) {
		var (
			mu      sync.Mutex
			fetched []string
		)
		deps := &Dependencies{
			Fetcher:           fetcherFromMap(map[string]string{DNSWPADURL: "y"}, &fetched, &mu),
			HostResolver:      failingResolver,
			QuickCheckEnabled: true,
			Runner:            runner,
		}
		d := New(deps)
		err := waitResult(t, startAndWait(runner, d, proxyconfig.Config{AutoDetect: true, PACMandatory: true}, 0))
		if err != nil {
			t.Fatal(err)
		}
		if d.Script().Content != "y" || !d.EffectiveConfig().PACMandatory {
			t.Fatal("unexpected result")
		}
	})

	t.Run("an empty lookup result is a miss", func(t *testing.T) {
		deps := &Dependencies{
			Fetcher: &mocks.PACFetcher{
				MockFetch: func(ctx context.Context, URL string) (string, error) {
					return "y", nil
				},
			},
			HostResolver: &mocks.HostResolver{
				MockLookupHost: func(ctx context.Context, domain string) ([]string, error) {
					return nil, nil
				},
			},
			QuickCheckEnabled: true,
			Runner:            runner,
		}
		d := New(deps)
		err := waitResult(t, startAndWait(runner, d, proxyconfig.Config{AutoDetect: true}, 0))
		if !errors.Is(err, pacerrors.ErrNameNotResolved) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("the quick check times out", func(t *testing.T) {
		clk := clock.NewMock()
		runner := taskrunner.New(clk)
		defer runner.Close()
		deps := &Dependencies{
			Fetcher: &mocks.PACFetcher{
				MockFetch: func(ctx context.Context, URL string) (string, error) {
					return "y", nil
				},
			},
			HostResolver: &mocks.HostResolver{
				MockLookupHost: func(ctx context.Context, domain string) ([]string, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				},
			},
			QuickCheckEnabled: true,
			Runner:            runner,
		}
		d := New(deps)
		ch := startAndWait(runner, d, proxyconfig.Config{AutoDetect: true}, 0)
		clk.Add(DefaultQuickCheckTimeout)
		if err := waitResult(t, ch); !errors.Is(err, pacerrors.ErrTimedOut) {
			t.Fatal("unexpected error", err)
		}
	})
}

func TestDeciderMandatoryFetchTimesOut(t *testing.T) {
	// Scenario: mandatory custom URL whose fetch never completes. The
	// hard per-candidate timeout fires and we see ErrTimedOut.
	clk := clock.NewMock()
	runner := taskrunner.New(clk)
	defer runner.Close()

	fetchCancelled := make(chan struct{})
	deps := &Dependencies{
		Fetcher: &mocks.PACFetcher{
			MockFetch: func(ctx context.Context, URL string) (string, error) {
				<-ctx.Done()
				close(fetchCancelled)
				return "", ctx.Err()
			},
		},
		Runner: runner,
	}
	d := New(deps)
	ch := startAndWait(runner, d, proxyconfig.Config{PACURL: "http://a/", PACMandatory: true}, 0)
	clk.Add(DefaultFetchTimeout)
	if err := waitResult(t, ch); !errors.Is(err, pacerrors.ErrTimedOut) {
		t.Fatal("unexpected error", err)
	}
	select {
	case <-fetchCancelled:
	case <-time.After(10 * time.Second):
		t.Fatal("the fetch was not cancelled")
	}
}

func TestDeciderStartDelay(t *testing.T) {
	clk := clock.NewMock()
	runner := taskrunner.New(clk)
	defer runner.Close()

	var fetches atomic.Int64
	deps := &Dependencies{
		Fetcher: &mocks.PACFetcher{
			MockFetch: func(ctx context.Context, URL string) (string, error) {
				fetches.Add(1)
				return "x", nil
			},
		},
		Runner: runner,
	}
	d := New(deps)
	ch := startAndWait(runner, d, proxyconfig.Config{PACURL: "http://a/"}, 2*time.Second)

	clk.Add(time.Second)
	runner.Do(func() {}) // flush
	if fetches.Load() != 0 {
		t.Fatal("we should still be waiting")
	}

	clk.Add(time.Second)
	if err := waitResult(t, ch); err != nil {
		t.Fatal(err)
	}
	if fetches.Load() != 1 {
		t.Fatal("unexpected number of fetches", fetches.Load())
	}
}

func TestDeciderCancel(t *testing.T) {
	runner := taskrunner.New(nil)
	defer runner.Close()

	fetchStarted := make(chan struct{})
	fetchCancelled := make(chan struct{})
	deps := &Dependencies{
		Fetcher: &mocks.PACFetcher{
			MockFetch: func(ctx context.Context, URL string) (string, error) {
				close(fetchStarted)
				<-ctx.Done()
				close(fetchCancelled)
				return "", ctx.Err()
			},
		},
		Runner: runner,
	}
	d := New(deps)
	ch := startAndWait(runner, d, proxyconfig.Config{PACURL: "http://a/"}, 0)
	<-fetchStarted
	runner.Do(d.Cancel)
	<-fetchCancelled

	// make sure the completion posted by the fetch goroutine has run
	time.Sleep(50 * time.Millisecond)
	runner.Do(func() {})

	select {
	case err := <-ch:
		t.Fatal("unexpected callback", err)
	default:
	}
}

func TestDeciderOnShutdown(t *testing.T) {
	runner := taskrunner.New(nil)
	defer runner.Close()

	fetchStarted := make(chan struct{})
	deps := &Dependencies{
		Fetcher: &mocks.PACFetcher{
			MockFetch: func(ctx context.Context, URL string) (string, error) {
				close(fetchStarted)
				<-ctx.Done()
				return "", ctx.Err()
			},
		},
		Runner: runner,
	}
	d := New(deps)
	ch := startAndWait(runner, d, proxyconfig.Config{PACURL: "http://a/"}, 0)
	<-fetchStarted
	runner.Do(func() {
		d.OnShutdown()
		d.OnShutdown() // idempotent
	})
	if err := waitResult(t, ch); !errors.Is(err, pacerrors.ErrContextShutDown) {
		t.Fatal("unexpected error", err)
	}
	select {
	case err := <-ch:
		t.Fatal("callback called twice", err)
	default:
	}
}

func TestSourceString(t *testing.T) {
	if (Source{Kind: SourceDHCP}).String() != "dhcp" {
		t.Fatal("unexpected string")
	}
	if (Source{Kind: SourceCustom, URL: "http://a/"}).String() != "custom(http://a/)" {
		t.Fatal("unexpected string")
	}
	if SourceKind(7).String() != "unknown" {
		t.Fatal("unexpected string")
	}
}
