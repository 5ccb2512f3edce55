package main

//
// The check subcommand
//

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/pacdecider"
	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/pacfetch"
	"github.com/ooni/pacproxy/internal/proxyconfig"
	"github.com/ooni/pacproxy/internal/taskrunner"
	"github.com/ooni/pacproxy/internal/wpaddhcp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// newCheckCommand returns the check subcommand.
func newCheckCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Decides which PAC script to use and prints where it comes from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.check(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

// check runs the decider for the current configuration.
func (o *options) check(ctx context.Context, w io.Writer) (err error) {
	source, closeSource, err := o.configSource(log.Log)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeSource())
	}()
	config, availability := source.Latest()
	if availability != proxyconfig.AvailabilityValid {
		config = proxyconfig.Direct()
	}

	runner := taskrunner.New(nil)
	defer runner.Close()
	fetcher := pacfetch.New(nil, log.Log)
	defer fetcher.Shutdown()
	hostResolver := o.hostResolver(log.Log)
	decider := pacdecider.New(&pacdecider.Dependencies{
		DHCP:              &wpaddhcp.Discoverer{Logger: log.Log},
		FetchTimeout:      o.fetchTimeout,
		Fetcher:           fetcher,
		HostResolver:      hostResolver,
		Logger:            log.Log,
		QuickCheckEnabled: hostResolver != nil,
		Runner:            runner,
		Validator:         o.evaluators(hostResolver, log.Log),
	})

	done := make(chan error, 1)
	runner.Do(func() {
		result := decider.Start(config, 0, func(err error) {
			done <- err
		})
		if !errors.Is(result, pacerrors.ErrIOPending) {
			done <- result
		}
	})
	select {
	case err = <-done:
	case <-ctx.Done():
		runner.Do(decider.Cancel)
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	var (
		effective proxyconfig.Config
		fallbacks int
		script    *model.PACScript
	)
	runner.Do(func() {
		effective = decider.EffectiveConfig()
		fallbacks = decider.NumFallbacks()
		script = decider.Script()
	})
	fmt.Fprintf(w, "config: %s\n", effective.String())
	if script == nil {
		fmt.Fprintf(w, "script: none\n")
		return nil
	}
	fmt.Fprintf(w, "script: %s (%d bytes, auto-detected: %v, fallbacks: %d)\n",
		script.URL, len(script.Content), script.FromAutoDetect, fallbacks)
	return nil
}
