package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/wire"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Since  int64
	Limit  int
	Follow bool
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print events from an instance's log",
		Long: `Print events in local sequence order, local and merged alike.

--limit 0 prints everything after --since. --follow keeps the stream open
and prints events as they arrive; JSON output is then one event per line.

Example:
  fedlog log --since 120
  fedlog log --follow --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Int64Var(&opts.Since, "since", 0, "print events after this local sequence number")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum events to print (0 for all)")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "stream new events until interrupted")

	return cmd
}

// pageSize is the page size the log command pulls with.
const pageSize = 500

func runLog(cmd *cobra.Command, opts *LogOptions) error {
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}
	r, err := opts.remote()
	if err != nil {
		return err
	}
	if opts.Follow {
		return followLog(cmd, r, opts)
	}

	ctx, cancel := opts.requestContext(cmd)
	defer cancel()

	events, err := pullRange(ctx, r, opts.Since, opts.Limit)
	if err != nil {
		return requestError("failed to read log", err)
	}

	return opts.formatter(cmd).Success(events, func(w io.Writer) {
		for _, ev := range events {
			printEvent(w, ev)
		}
	})
}

// pullRange pages through the log after since, stopping at limit events
// when limit is positive.
func pullRange(ctx context.Context, r *remote, since int64, limit int) ([]ir.Event, error) {
	events := []ir.Event{}
	cursor := since
	for {
		size := pageSize
		if limit > 0 && limit-len(events) < size {
			size = limit - len(events)
		}
		resp, err := r.client.PullEvents(ctx, r.url, wire.PullRequest{SinceSeq: cursor, Limit: size})
		if err != nil {
			return nil, err
		}
		events = append(events, resp.Events...)
		if len(resp.Events) > 0 {
			cursor = resp.Events[len(resp.Events)-1].LocalSeq
		}
		if !resp.HasMore || len(resp.Events) == 0 || (limit > 0 && len(events) >= limit) {
			return events, nil
		}
	}
}

func followLog(cmd *cobra.Command, r *remote, opts *LogOptions) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	stream, err := r.client.StreamEvents(ctx, r.url, opts.Since)
	if err != nil {
		return requestError("failed to open stream", err)
	}
	context.AfterFunc(ctx, func() { stream.Close() })
	defer stream.Close()

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	printed := 0
	for opts.Limit == 0 || printed < opts.Limit {
		msg, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, wire.ErrStreamClosed) {
				return nil
			}
			return requestError("stream failed", err)
		}
		if msg.Type != wire.StreamEvent || msg.Event == nil {
			continue
		}
		if opts.Format == "json" {
			if err := enc.Encode(msg.Event); err != nil {
				return err
			}
		} else {
			printEvent(out, *msg.Event)
		}
		printed++
	}
	return nil
}

// printEvent writes one event as a single text line.
func printEvent(w io.Writer, ev ir.Event) {
	fmt.Fprintf(w, "%6d  %s  %s  %-12s %s\n", ev.LocalSeq, ev.ShortID(), ev.Origin.Short(), ev.Payload.Kind, summarize(ev.Payload))
}

// summarize renders a payload for humans.
func summarize(p ir.Payload) string {
	v, err := p.Decode()
	if err != nil {
		return "(malformed " + string(p.Kind) + ")"
	}
	switch v := v.(type) {
	case ir.Message:
		if v.Author == "" {
			return fmt.Sprintf("#%s %s", v.Channel, v.Content)
		}
		return fmt.Sprintf("#%s <%s> %s", v.Channel, v.Author, v.Content)
	case ir.Presence:
		return fmt.Sprintf("%s is %s", v.Who, v.Status)
	case ir.TaskDelta:
		return fmt.Sprintf("%s %s (%d fields)", v.TaskID, v.Op, len(v.Fields))
	case ir.Registration:
		return fmt.Sprintf("%s joined at %s", v.PeerKey.Short(), v.Endpoint)
	case ir.Unknown:
		return fmt.Sprintf("v%d, %d fields", v.Version, len(v.Body))
	default:
		return ""
	}
}
