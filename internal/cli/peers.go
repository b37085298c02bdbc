package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/fedlog/internal/ir"
)

// NewPeersCommand creates the peers command and its subcommands.
func NewPeersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Manage federation peers",
		Long: `Register with, list and remove the peers of the running instance.

Example:
  fedlog peers add http://10.0.0.5:7777
  fedlog peers list
  fedlog peers remove 3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29`,
	}

	cmd.AddCommand(newPeersAddCommand(rootOpts))
	cmd.AddCommand(newPeersListCommand(rootOpts))
	cmd.AddCommand(newPeersRemoveCommand(rootOpts))

	return cmd
}

func newPeersAddCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <endpoint>",
		Short: "Register with a remote instance",
		Long: `Ask the running instance to register with the remote instance at
endpoint. Under a mutual policy the peer may stay pending until the
remote side registers back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.remote()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			resp, err := r.client.AddPeer(ctx, r.url, args[0])
			if err != nil {
				return requestError("failed to add peer", err)
			}
			out := opts.formatter(cmd)
			if !resp.Accepted {
				if err := out.Error(CodeRejected, "registration rejected: "+resp.Reason, resp); err != nil {
					return err
				}
				return NewExitError(ExitFailure, "registration rejected: "+resp.Reason)
			}
			return out.Success(resp, func(w io.Writer) {
				if resp.Peer == nil {
					fmt.Fprintln(w, "registered")
					return
				}
				fmt.Fprintf(w, "%s %s (%s)\n", resp.Peer.Status, resp.Peer.PublicKey.Short(), resp.Peer.Endpoint)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newPeersListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.remote()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			list, err := r.client.ListPeers(ctx, r.url)
			if err != nil {
				return requestError("failed to list peers", err)
			}
			return opts.formatter(cmd).Success(list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "no peers")
					return
				}
				rows := make([][]string, 0, len(list))
				for _, p := range list {
					rows = append(rows, []string{
						p.PublicKey.Short(),
						p.DisplayName,
						p.Endpoint,
						string(p.Status),
						p.Tier.String(),
						strconv.FormatInt(p.LastKnownSeq, 10),
					})
				}
				table(w, []string{"PEER", "NAME", "ENDPOINT", "STATUS", "TIER", "CURSOR"}, rows)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newPeersRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <pubkey>",
		Short: "Remove a peer",
		Long:  "Remove a peer. Its events stay in the log; sync with it stops.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := ir.ParsePublicKey(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid public key", err)
			}
			r, err := opts.remote()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			if err := r.client.RemovePeer(ctx, r.url, key); err != nil {
				return requestError("failed to remove peer", err)
			}
			return opts.formatter(cmd).Success(map[string]string{"removed": key.Hex()}, func(w io.Writer) {
				fmt.Fprintf(w, "removed %s\n", key.Short())
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
