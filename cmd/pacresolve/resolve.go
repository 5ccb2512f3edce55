package main

//
// The resolve subcommand
//

import (
	"context"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// newResolveCommand returns the resolve subcommand.
func newResolveCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve URL...",
		Short: "Prints the proxies to use for each URL in PAC format",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.resolve(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
}

// resolve resolves each URL and writes "URL<TAB>PAC string" lines.
func (o *options) resolve(ctx context.Context, w io.Writer, URLs []string) (err error) {
	svc, closer, err := o.newService(log.Log)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closer())
	}()
	for _, URL := range URLs {
		info, resolveErr := o.resolveOne(ctx, svc, URL)
		if resolveErr != nil {
			fmt.Fprintf(w, "%s\terror: %s\n", URL, resolveErr.Error())
			err = multierr.Append(err, resolveErr)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", URL, info.PACString())
	}
	return err
}
