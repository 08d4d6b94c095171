// Command kbchat is a terminal client for the knowledge-base chat service.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/csheth/kbchat/internal/config"
)

type rootOptions struct {
	configPath  string
	apiURL      string
	stateDir    string
	logFile     string
	timeout     time.Duration
	verbose     bool
	noAltScreen bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kbchat:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "kbchat",
		Short: "Chat with the documents in your knowledge-base projects",
		Long: `kbchat signs in to a knowledge-base chat service, lists your projects and
their document pipelines, and streams answers to your questions.

Run without arguments to start the interactive client.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return runInteractive(cmd.Context(), cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a YAML config file (default $XDG_CONFIG_HOME/kbchat/config.yaml)")
	flags.StringVar(&opts.apiURL, "api-url", "", "service base URL, eg. http://localhost:5000/api")
	flags.StringVar(&opts.stateDir, "state-dir", "", "directory holding the stored session")
	flags.StringVar(&opts.logFile, "log-file", "", "log file path (empty string in config disables logging)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-request timeout")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	root.Flags().BoolVar(&opts.noAltScreen, "no-alt-screen", false, "disable the alternate screen buffer")

	root.AddCommand(
		newWatchCmd(opts),
		newSignupCmd(opts),
		newLogoutCmd(opts),
	)
	return root
}

// load resolves the config file and environment, then applies the flags
// the user actually set.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.API.URL = o.apiURL
	}
	if flags.Changed("state-dir") {
		cfg.StateDir = o.stateDir
	}
	if flags.Changed("log-file") {
		cfg.LogFile = o.logFile
	}
	if flags.Changed("timeout") {
		cfg.API.Timeout = o.timeout
	}
	if flags.Changed("verbose") {
		cfg.Verbose = o.verbose
	}
	if o.noAltScreen {
		cfg.AltScreen = false
	}
	return cfg, cfg.Validate()
}
