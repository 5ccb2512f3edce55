package pacfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ooni/pacproxy/internal/pacerrors"
)

const script = `function FindProxyForURL(url, host) { return "DIRECT"; }`

func TestFetchHTTP(t *testing.T) {
	t.Run("on success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("User-Agent") != DefaultUserAgent {
				w.WriteHeader(400)
				return
			}
			w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
			w.Write([]byte(script))
		}))
		defer server.Close()

		f := New(nil, nil)
		defer f.Shutdown()
		got, err := f.Fetch(context.Background(), server.URL+"/proxy.pac")
		if err != nil {
			t.Fatal(err)
		}
		if got != script {
			t.Fatal("unexpected script", got)
		}
	})

	t.Run("when the status code is not 200", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(404)
		}))
		defer server.Close()

		f := New(nil, nil)
		defer f.Shutdown()
		_, err := f.Fetch(context.Background(), server.URL)
		if !errors.Is(err, pacerrors.ErrHTTPResponseCodeFailure) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("when the body is too large", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// no Content-Length so we exercise the reader limit
			chunk := []byte(strings.Repeat("x", 4096))
			for total := 0; total <= MaxResponseBytes; total += len(chunk) {
				w.Write(chunk)
			}
		}))
		defer server.Close()

		f := New(nil, nil)
		defer f.Shutdown()
		_, err := f.Fetch(context.Background(), server.URL)
		if !errors.Is(err, pacerrors.ErrFileTooBig) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("we decode the charset named by the content type", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig; charset=iso-8859-1")
			w.Write([]byte("// caf\xe9\n"))
		}))
		defer server.Close()

		f := New(nil, nil)
		defer f.Shutdown()
		got, err := f.Fetch(context.Background(), server.URL)
		if err != nil {
			t.Fatal(err)
		}
		if got != "// café\n" {
			t.Fatalf("unexpected script %q", got)
		}
	})

	t.Run("the context deadline applies", func(t *testing.T) {
		unblock := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-unblock
		}))
		defer server.Close()
		defer close(unblock)

		f := New(nil, nil)
		defer f.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := f.Fetch(ctx, server.URL)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatal("unexpected error", err)
		}
	})
}

func TestFetchDataURL(t *testing.T) {
	type testcase struct {
		name   string
		input  string
		expect string
		err    error
	}

	cases := []testcase{{
		name:   "with base64 encoding",
		input:  "data:application/x-ns-proxy-autoconfig;base64,ZnVuY3Rpb24gRmluZFByb3h5Rm9yVVJMKCkge30=",
		expect: "function FindProxyForURL() {}",
	}, {
		name:   "with percent encoding",
		input:  "data:,function%20FindProxyForURL()%20%7B%7D",
		expect: "function FindProxyForURL() {}",
	}, {
		name:  "without a comma",
		input: "data:text/plain",
		err:   errInvalidDataURL,
	}, {
		name:  "with invalid base64",
		input: "data:;base64,@@@",
		err:   errInvalidDataURL,
	}}

	f := New(nil, nil)
	defer f.Shutdown()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.Fetch(context.Background(), tc.input)
			if !errors.Is(err, tc.err) {
				t.Fatal("unexpected error", err)
			}
			if got != tc.expect {
				t.Fatalf("expected %q, got %q", tc.expect, got)
			}
		})
	}
}

func TestFetchUnsupportedScheme(t *testing.T) {
	f := New(nil, nil)
	defer f.Shutdown()
	_, err := f.Fetch(context.Background(), "ftp://example.com/proxy.pac")
	if !errors.Is(err, pacerrors.ErrInvalidURL) {
		t.Fatal("unexpected error", err)
	}
}

func TestShutdown(t *testing.T) {
	t.Run("in-flight fetches fail", func(t *testing.T) {
		started := make(chan struct{})
		unblock := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(started)
			<-unblock
		}))
		defer server.Close()
		defer close(unblock)

		f := New(nil, nil)
		errch := make(chan error, 1)
		go func() {
			_, err := f.Fetch(context.Background(), server.URL)
			errch <- err
		}()
		<-started
		f.Shutdown()
		if err := <-errch; !errors.Is(err, pacerrors.ErrContextShutDown) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("is idempotent and later fetches fail", func(t *testing.T) {
		f := New(nil, nil)
		f.Shutdown()
		f.Shutdown()
		_, err := f.Fetch(context.Background(), "data:,x")
		if !errors.Is(err, pacerrors.ErrContextShutDown) {
			t.Fatal("unexpected error", err)
		}
	})
}
