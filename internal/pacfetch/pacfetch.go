// Package pacfetch fetches PAC scripts using HTTP(S) or data URLs.
package pacfetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/pacerrors"
	"golang.org/x/net/html/charset"
)

// MaxResponseBytes is the maximum size of a PAC script.
const MaxResponseBytes = 1 << 20

// DefaultUserAgent is the default User-Agent header.
const DefaultUserAgent = "pacproxy/0.1"

// Fetcher is a [model.PACFetcher] using HTTP(S) and data URLs.
//
// Construct using [New].
type Fetcher struct {
	cancel    context.CancelFunc
	client    *http.Client
	logger    model.Logger
	once      sync.Once
	root      context.Context
	userAgent string
}

var _ model.PACFetcher = &Fetcher{}

// New creates a new [*Fetcher]. A nil client means we use a client that
// does not use any proxy, since fetching the PAC script through a proxy
// chosen by the same script would be circular.
func New(client *http.Client, logger model.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               nil,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	root, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		cancel:    cancel,
		client:    client,
		logger:    model.ValidLoggerOrDefault(logger),
		root:      root,
		userAgent: DefaultUserAgent,
	}
}

// Fetch implements model.PACFetcher.
func (f *Fetcher) Fetch(ctx context.Context, URL string) (string, error) {
	if f.root.Err() != nil {
		return "", pacerrors.ErrContextShutDown
	}
	parsed, err := url.Parse(URL)
	if err != nil {
		return "", fmt.Errorf("%w: %s", pacerrors.ErrInvalidURL, err.Error())
	}

	// make sure Shutdown interrupts the fetch
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(f.root, cancel)
	defer stop()

	var script string
	switch parsed.Scheme {
	case "http", "https":
		script, err = f.fetchHTTP(ctx, URL)
	case "data":
		script, err = decodeDataURL(URL)
	default:
		err = fmt.Errorf("%w: unsupported scheme: %s", pacerrors.ErrInvalidURL, parsed.Scheme)
	}
	if f.root.Err() != nil {
		return "", pacerrors.ErrContextShutDown
	}
	return script, err
}

func (f *Fetcher) fetchHTTP(ctx context.Context, URL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", URL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s", pacerrors.ErrInvalidURL, err.Error())
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/x-ns-proxy-autoconfig, */*")
	f.logger.Debugf("pacfetch: GET %s", URL)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	f.logger.Debugf("pacfetch: GET %s... %d", URL, resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %d", pacerrors.ErrHTTPResponseCodeFailure, resp.StatusCode)
	}
	if resp.ContentLength > MaxResponseBytes {
		return "", pacerrors.ErrFileTooBig
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > MaxResponseBytes {
		return "", pacerrors.ErrFileTooBig
	}
	return decodeText(data, resp.Header.Get("Content-Type"))
}

// decodeText converts the script to UTF-8 using the charset named by the
// content type or, when missing, guessed from the content.
func decodeText(data []byte, contentType string) (string, error) {
	reader, err := charset.NewReader(bytes.NewReader(data), contentType)
	if err != nil {
		return string(data), nil
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

var errInvalidDataURL = errors.New("pacfetch: invalid data URL")

// decodeDataURL decodes a "data:[<mediatype>][;base64],<data>" URL.
func decodeDataURL(URL string) (string, error) {
	rest, found := strings.CutPrefix(URL, "data:")
	if !found {
		return "", errInvalidDataURL
	}
	header, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", errInvalidDataURL
	}
	var data []byte
	if strings.HasSuffix(strings.ToLower(header), ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(payload)
		}
		if err != nil {
			return "", fmt.Errorf("%w: %s", errInvalidDataURL, err.Error())
		}
		data = decoded
		header = header[:len(header)-len(";base64")]
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return "", fmt.Errorf("%w: %s", errInvalidDataURL, err.Error())
		}
		data = []byte(unescaped)
	}
	if len(data) > MaxResponseBytes {
		return "", pacerrors.ErrFileTooBig
	}
	return decodeText(data, header)
}

// Shutdown implements model.PACFetcher. In-flight and future fetches
// fail with [pacerrors.ErrContextShutDown]. This method is idempotent.
func (f *Fetcher) Shutdown() {
	f.once.Do(func() {
		f.logger.Debug("pacfetch: shutting down")
		f.cancel()
	})
}
