package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/fedlog/internal/wire"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show federation status",
		Long: `Show the instance head and, per peer, the sync cursor, lag and
reachability. A peer that is reachable but has a rising rejection count
is refusing our events rather than offline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := rootOpts.remote()
			if err != nil {
				return err
			}
			ctx, cancel := rootOpts.requestContext(cmd)
			defer cancel()

			st, err := r.client.GetStatus(ctx, r.url)
			if err != nil {
				return requestError("failed to get status", err)
			}
			return rootOpts.formatter(cmd).Success(st, func(w io.Writer) {
				printStatus(w, st)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func printStatus(w io.Writer, st wire.StatusResponse) {
	fmt.Fprintf(w, "instance %s  head=%d  events=%d  peers=%d (%d active)\n",
		st.PublicKey.Short(), st.HeadSeq, st.EventCount, st.PeerCount, st.ActivePeers)
	if st.Halted != "" {
		fmt.Fprintf(w, "HALTED: %s\n", st.Halted)
	}
	if len(st.Peers) == 0 {
		return
	}

	rows := make([][]string, 0, len(st.Peers))
	for _, p := range st.Peers {
		reach := "yes"
		if !p.Reachable {
			reach = "no"
		}
		if p.Streaming {
			reach += " (stream)"
		}
		rows = append(rows, []string{
			p.PublicKey.Short(),
			p.DisplayName,
			string(p.Status),
			strconv.FormatInt(p.LastKnownSeq, 10),
			strconv.FormatInt(p.Lag, 10),
			reach,
			strconv.Itoa(p.ConsecutiveFailures),
			strconv.Itoa(p.Rejections),
			p.LastError,
		})
	}
	fmt.Fprintln(w)
	table(w, []string{"PEER", "NAME", "STATUS", "CURSOR", "LAG", "REACHABLE", "FAILURES", "REJECTIONS", "LAST ERROR"}, rows)
}
