package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/porthorian/planauth"
	"github.com/porthorian/planauth/pkg/session"
)

var BuildVersion = "dev"

type rootOptions struct {
	configPath  string
	baseURL     string
	storage     string
	sessionFile string
	logLevel    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "planauth",
		Short:         "PlanAuth CLI",
		Long:          "CLI for the study-planning API. Keeps a session between runs and renews it transparently.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML config file. Can also be set via PLANAUTH_CONFIG.")
	flags.StringVar(&opts.baseURL, "base-url", "", "API base URL. Can also be set via PLANAUTH_BASE_URL.")
	flags.StringVar(&opts.storage, "storage", "", "Session storage backend: none, memory, file, redis or postgres. Can also be set via PLANAUTH_STORAGE.")
	flags.StringVar(&opts.sessionFile, "session-file", "", "Session file for the file backend. Can also be set via PLANAUTH_SESSION_FILE.")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: error, warn, info, debug or trace. Can also be set via PLANAUTH_LOG_LEVEL.")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of PlanAuth CLI",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s\n", BuildVersion)
		},
	})

	rootCmd.AddCommand(
		newLoginCommand(opts),
		newRegisterCommand(opts),
		newLogoutCommand(opts),
		newWhoamiCommand(opts),
		newRequestCommand(opts),
		newDashboardCommand(opts),
		newMigrateCommand(opts),
	)

	return rootCmd
}

// resolveConfig loads the config file and environment, then applies the
// persistent flags the user actually set.
func (o *rootOptions) resolveConfig(cmd *cobra.Command) (*cliConfig, error) {
	cfg, err := loadCLIConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = o.baseURL
	}
	if flags.Changed("storage") {
		cfg.Storage.Backend = o.storage
	}
	if flags.Changed("session-file") {
		cfg.Storage.File.Path = o.sessionFile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

func (o *rootOptions) newClient(cmd *cobra.Command) (*planauth.Client, error) {
	cfg, err := o.resolveConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel, cmd.ErrOrStderr()).WithName("planauth")
	clientConfig, err := cfg.clientConfig(logger)
	if err != nil {
		return nil, err
	}
	clientConfig.OnSessionEnded = func(event session.EndedEvent) {
		cmd.PrintErrf("Session ended (%s). Run `planauth login` to sign in again.\n", event.ID)
	}

	return planauth.New(contextOf(cmd), clientConfig)
}

func withClient(opts *rootOptions, run func(cmd *cobra.Command, client *planauth.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := opts.newClient(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				cmd.PrintErrf("warning: failed to close client cleanly: %v\n", closeErr)
			}
		}()
		return run(cmd, client, args)
	}
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func Execute() error {
	return ExecuteContext(context.Background())
}

func ExecuteContext(ctx context.Context) error {
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		return fmt.Errorf("planauth: %w", err)
	}
	return nil
}
