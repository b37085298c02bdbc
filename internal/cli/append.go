package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fedlog/internal/ir"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Kind    string
	Channel string
	Author  string
	Who     string
	Task    string
	Op      string
	Fields  []string
	Payload string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append [text]",
		Short: "Append a locally authored event",
		Long: `Append an event to the running instance's log. The instance signs it
and pushes it to its active peers.

Kinds:
  message     text is the message content (--channel, --author)
  presence    text is the status (--who)
  task_delta  text is ignored (--task, --op, --field key=value)

--payload appends a raw JSON payload of any kind, including kinds this
build does not know.

Example:
  fedlog append "deploy finished" --channel ops --author ci
  fedlog append away --kind presence --who alice
  fedlog append --kind task_delta --task T-12 --op update --field state=done
  fedlog append --payload '{"kind":"poll","version":1,"body":{"q":"lunch?"}}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(cmd, args, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVarP(&opts.Kind, "kind", "k", string(ir.KindMessage), "payload kind (message|presence|task_delta)")
	cmd.Flags().StringVar(&opts.Channel, "channel", "general", "message channel")
	cmd.Flags().StringVar(&opts.Author, "author", "", "message author")
	cmd.Flags().StringVar(&opts.Who, "who", "", "presence participant")
	cmd.Flags().StringVar(&opts.Task, "task", "", "task ID")
	cmd.Flags().StringVar(&opts.Op, "op", "update", "task operation")
	cmd.Flags().StringArrayVar(&opts.Fields, "field", nil, "task field as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "raw JSON payload")

	return cmd
}

// buildPayload turns the flags into a payload.
func buildPayload(args []string, opts *AppendOptions) (ir.Payload, error) {
	if opts.Payload != "" {
		var p ir.Payload
		if err := json.Unmarshal([]byte(opts.Payload), &p); err != nil {
			return ir.Payload{}, fmt.Errorf("parse --payload: %w", err)
		}
		if p.Kind == "" {
			return ir.Payload{}, fmt.Errorf("--payload needs a kind")
		}
		if p.Body == nil {
			p.Body = ir.IRObject{}
		}
		return p, nil
	}

	text := ""
	if len(args) > 0 {
		text = args[0]
	}

	switch ir.Kind(opts.Kind) {
	case ir.KindMessage:
		if text == "" {
			return ir.Payload{}, fmt.Errorf("message needs text")
		}
		return ir.NewPayload(ir.Message{Channel: opts.Channel, Author: opts.Author, Content: text}), nil

	case ir.KindPresence:
		if opts.Who == "" || text == "" {
			return ir.Payload{}, fmt.Errorf("presence needs --who and a status")
		}
		return ir.NewPayload(ir.Presence{Who: opts.Who, Status: text}), nil

	case ir.KindTaskDelta:
		if opts.Task == "" {
			return ir.Payload{}, fmt.Errorf("task_delta needs --task")
		}
		fields := ir.IRObject{}
		for _, f := range opts.Fields {
			k, v, ok := strings.Cut(f, "=")
			if !ok || k == "" {
				return ir.Payload{}, fmt.Errorf("field %q is not key=value", f)
			}
			fields[k] = ir.IRString(v)
		}
		return ir.NewPayload(ir.TaskDelta{TaskID: opts.Task, Op: opts.Op, Fields: fields}), nil

	default:
		return ir.Payload{}, fmt.Errorf("unsupported kind %q (use --payload for other kinds)", opts.Kind)
	}
}

func runAppend(cmd *cobra.Command, args []string, opts *AppendOptions) error {
	payload, err := buildPayload(args, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid event", err)
	}

	r, err := opts.remote()
	if err != nil {
		return err
	}
	ctx, cancel := opts.requestContext(cmd)
	defer cancel()

	out := opts.formatter(cmd)
	out.VerboseLog("appending %s event to %s", payload.Kind, r.url)

	ev, err := r.client.AppendLocal(ctx, r.url, payload)
	if err != nil {
		return requestError("failed to append", err)
	}

	return out.Success(ev, func(w io.Writer) {
		fmt.Fprintf(w, "%s seq=%d hlc=%s\n", ev.ID, ev.LocalSeq, ev.HLC)
	})
}
