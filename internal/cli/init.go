package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/fedlog/internal/config"
	"github.com/roach88/fedlog/internal/identity"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	DataDir     string
	DisplayName string
	Listen      string
	Force       bool
}

// InitResult is the outcome of init.
type InitResult struct {
	ConfigPath      string `json:"config_path"`
	KeyPath         string `json:"key_path"`
	Fingerprint     string `json:"fingerprint"`
	CreatedKey      bool   `json:"created_key"`
	OverwroteConfig bool   `json:"overwrote_config"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create an identity",
		Long: `Write a config file with default settings and create the instance
identity key if none exists. An existing key is never replaced.

Example:
  fedlog init --data-dir ~/.fedlog --name "Alice's laptop"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "data directory (default $"+config.EnvDataDir+" or ~/.fedlog)")
	cmd.Flags().StringVar(&opts.DisplayName, "name", "", "display name shown to peers")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing config file")

	return cmd
}

func runInit(cmd *cobra.Command, opts *InitOptions) error {
	cfg := config.Default()
	if opts.DataDir != "" {
		cfg.Instance.DataDir = opts.DataDir
	}
	if opts.DisplayName != "" {
		cfg.Instance.DisplayName = opts.DisplayName
	}
	if opts.Listen != "" {
		cfg.Instance.ListenAddr = opts.Listen
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid settings", err)
	}

	path := opts.ConfigPath
	if path == "" {
		path = filepath.Join(cfg.Instance.DataDir, config.FileName)
	}

	_, statErr := os.Stat(path)
	exists := statErr == nil
	if exists && !opts.Force {
		return NewExitError(ExitCommandError, fmt.Sprintf("config %s already exists (use --force to overwrite)", path))
	}
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return WrapExitError(ExitCommandError, "failed to stat config", statErr)
	}

	if err := cfg.Write(path); err != nil {
		return WrapExitError(ExitCommandError, "failed to write config", err)
	}

	id, created, err := identity.LoadOrGenerate(cfg.KeyPath())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create identity", err)
	}

	result := InitResult{
		ConfigPath:      path,
		KeyPath:         cfg.KeyPath(),
		Fingerprint:     id.Fingerprint(),
		CreatedKey:      created,
		OverwroteConfig: exists,
	}
	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Wrote %s\n", result.ConfigPath)
		if result.CreatedKey {
			fmt.Fprintf(w, "Created identity %s at %s\n", result.Fingerprint, result.KeyPath)
		} else {
			fmt.Fprintf(w, "Using existing identity %s at %s\n", result.Fingerprint, result.KeyPath)
		}
	})
}
