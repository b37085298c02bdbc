package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fedlog/internal/identity"
	"github.com/roach88/fedlog/internal/wire"
)

// IdentityOptions holds flags for the identity command.
type IdentityOptions struct {
	*RootOptions
	Remote bool
}

// NewIdentityCommand creates the identity command.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IdentityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show the instance identity",
		Long: `Show the public key, node ID and fingerprint of this instance.

By default the key file in the data directory is read. With --remote the
running instance at --addr is asked instead, which also reports its
endpoint, claimed tier and head sequence.

Example:
  fedlog identity
  fedlog identity --remote --addr http://10.0.0.5:7777`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentity(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().BoolVar(&opts.Remote, "remote", false, "query the running instance instead of the key file")

	return cmd
}

func runIdentity(cmd *cobra.Command, opts *IdentityOptions) error {
	var resp wire.IdentityResponse
	if opts.Remote {
		r, err := opts.remote()
		if err != nil {
			return err
		}
		ctx, cancel := opts.requestContext(cmd)
		defer cancel()
		resp, err = r.client.GetIdentity(ctx, r.url)
		if err != nil {
			return requestError("failed to get identity", err)
		}
	} else {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		id, err := identity.Load(cfg.KeyPath())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read identity (run 'fedlog init' first)", err)
		}
		resp = wire.IdentityResponse{
			PublicKey:   id.PublicKey(),
			NodeID:      id.NodeID(),
			Fingerprint: id.Fingerprint(),
			DisplayName: cfg.Instance.DisplayName,
			Endpoint:    cfg.Endpoint(),
			Tier:        cfg.Instance.ClaimedTier,
		}
	}

	return opts.formatter(cmd).Success(resp, func(w io.Writer) {
		fmt.Fprintf(w, "public key:  %s\n", resp.PublicKey.Hex())
		fmt.Fprintf(w, "node id:     %s\n", resp.NodeID)
		fmt.Fprintf(w, "fingerprint: %s\n", resp.Fingerprint)
		if resp.DisplayName != "" {
			fmt.Fprintf(w, "name:        %s\n", resp.DisplayName)
		}
		fmt.Fprintf(w, "endpoint:    %s\n", resp.Endpoint)
		fmt.Fprintf(w, "tier:        %s\n", resp.Tier)
		if opts.Remote {
			fmt.Fprintf(w, "protocol:    %s (%s)\n", resp.ProtocolVersion, resp.Version)
			fmt.Fprintf(w, "head seq:    %d\n", resp.HeadSeq)
		}
	})
}
