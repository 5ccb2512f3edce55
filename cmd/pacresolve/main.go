// Command pacresolve resolves the proxy to use for URLs using the system
// proxy configuration and, when configured, a PAC script.
package main

//
// Main
//

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/ooni/pacproxy/internal/hostresolver"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(&options{}).ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("pacresolve failed")
		stop()
		os.Exit(1)
	}
}

// newRootCommand returns the root command binding the flags to o.
func newRootCommand(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "pacresolve",
		Short:         "Resolves the proxy to use for URLs",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetHandler(cli.Default)
			log.SetLevel(log.InfoLevel)
			if o.debug {
				log.SetLevel(log.DebugLevel)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVar(&o.autoDetect, "auto-detect", false, "Discover the PAC script using WPAD")
	flags.StringVar(&o.bypass, "bypass", "", "Comma separated list of hosts for which we connect directly")
	flags.StringVar(&o.configFile, "config", "", "Read and watch the proxy configuration from this HuJSON file")
	flags.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&o.env, "env", false, "Read the proxy configuration from the environment")
	flags.DurationVar(&o.fetchTimeout, "fetch-timeout", 30*time.Second, "Timeout for fetching each PAC script candidate")
	flags.BoolVar(&o.mandatory, "mandatory", false, "Fail rather than connecting directly when the PAC script is unusable")
	flags.StringVar(&o.pacURL, "pac-url", "", "URL of the PAC script")
	flags.StringVar(&o.proxyRules, "proxy-rules", "", "Manual proxy rules (e.g., 'http=a:80;https=b:443')")
	flags.StringVar(&o.resolvConf, "resolv-conf", hostresolver.DefaultConfigPath, "Name servers configuration file")
	flags.DurationVar(&o.resolveTimeout, "resolve-timeout", time.Minute, "Timeout for resolving the proxy for an URL")
	flags.DurationVar(&o.scriptTimeout, "script-timeout", 0, "Maximum run time of the PAC script (zero means no limit)")
	flags.IntVar(&o.workers, "workers", 4, "Maximum number of PAC script workers")

	root.AddCommand(newResolveCommand(o))
	root.AddCommand(newServeCommand(o))
	root.AddCommand(newCheckCommand(o))
	return root
}
