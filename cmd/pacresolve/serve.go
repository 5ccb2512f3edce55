package main

//
// The serve subcommand
//

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/proxylist"
	"github.com/ooni/pacproxy/internal/proxymetrics"
	"github.com/ooni/pacproxy/internal/proxyservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// newServeCommand returns the serve subcommand.
func newServeCommand(o *options) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves proxy resolutions and Prometheus metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.serve(cmd.Context(), address)
		},
	}
	cmd.Flags().StringVar(&address, "address", "127.0.0.1:8080", "Address where to listen")
	return cmd
}

// serve serves until the context is done. SIGHUP forces reloading
// the proxy configuration.
func (o *options) serve(ctx context.Context, address string) (err error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	svc, closer, err := o.newService(log.Log, proxymetrics.New(reg))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closer())
	}()

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           o.newServeMux(svc, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	hupch := make(chan os.Signal, 1)
	signal.Notify(hupch, syscall.SIGHUP)
	defer signal.Stop(hupch)
	go func() {
		for {
			select {
			case <-hupch:
				log.Info("pacresolve: reloading the proxy configuration")
				svc.Reload()
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
				return
			}
		}
	}()

	log.Infof("pacresolve: serving at http://%s/", listener.Addr().String())
	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// resolveResponse is the response of the /resolve endpoint.
type resolveResponse struct {
	Direct bool   `json:"direct"`
	Error  string `json:"error,omitempty"`
	PAC    string `json:"pac,omitempty"`
	URL    string `json:"url"`
}

// newServeMux returns the handler serving /resolve and /metrics.
func (o *options) newServeMux(svc *proxyservice.Service, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/resolve", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rawURL := r.URL.Query().Get("url")
		if rawURL == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := &resolveResponse{URL: rawURL}
		status := http.StatusOK
		info, err := o.resolveOne(r.Context(), svc, rawURL)
		switch {
		case errors.Is(err, pacerrors.ErrInvalidURL):
			status, resp.Error = http.StatusBadRequest, err.Error()
		case err != nil:
			status, resp.Error = http.StatusBadGateway, err.Error()
		default:
			resp.Direct, resp.PAC = info.IsDirect(), info.PACString()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

// resolveOne resolves the given URL using the resolve timeout.
func (o *options) resolveOne(
	ctx context.Context, svc *proxyservice.Service, rawURL string) (*proxylist.Info, error) {
	if o.resolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.resolveTimeout)
		defer cancel()
	}
	return svc.Resolve(ctx, rawURL, http.MethodGet, "")
}
