package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fedlog/internal/config"
	"github.com/roach88/fedlog/internal/transport"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Addr       string // base URL of a running instance; overrides the config
	Timeout    time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fedlog CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fedlog",
		Short: "fedlog - federated signed event log",
		Long: `fedlog runs one instance of a federated, append-only event log.

Instances sign every event they author, exchange events with registered
peers, and converge on the same set of events regardless of arrival order.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default <data_dir>/"+config.FileName+")")
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "", "base URL of the running instance (default from config)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout for commands talking to an instance")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewIdentityCommand(opts))
	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewPeersCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

// configPath resolves --config.
func (o *RootOptions) configPath() string {
	if o.ConfigPath != "" {
		return o.ConfigPath
	}
	return filepath.Join(config.DefaultDataDir(), config.FileName)
}

// loadConfig reads the config file and maps failures to command errors.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// target returns the base URL of the instance client commands talk to.
func (o *RootOptions) target() (string, error) {
	if o.Addr != "" {
		return o.Addr, nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.LocalURL(), nil
}

// remote bundles what a client command needs to reach an instance.
type remote struct {
	client *transport.Client
	url    string
}

func (o *RootOptions) remote() (*remote, error) {
	url, err := o.target()
	if err != nil {
		return nil, err
	}
	return &remote{client: transport.New(), url: url}, nil
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// requestContext bounds one round of calls to an instance by --timeout.
func (o *RootOptions) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	if o.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, o.Timeout)
}
