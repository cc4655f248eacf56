package cli

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	"github.com/sais-dev/sais/go/pkg/stream"
	"github.com/sais-dev/sais/go/pkg/thread"
)

// NewWatchCmd creates the run-watching command.
func NewWatchCmd() *cobra.Command {
	var maxTries uint

	cmd := &cobra.Command{
		Use:   "watch <thread-id> <run-id>",
		Short: "Follow an in-flight run, reconnecting on transport drops",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), cmd, client, args[0], args[1], maxTries)
		},
	}

	cmd.Flags().UintVar(&maxTries, "max-tries", 5, "Reconnect attempts before giving up")

	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, client *thread.Client, threadID, runID string, maxTries uint) error {
	machine := stream.NewMachine(stream.WithLogger(newLogger()))
	machine.Subscribe(func(st stream.State) {
		if st.Values == nil {
			return
		}
		if ui, ok := st.Values[stream.UIContextKey].(map[string]any); ok {
			if progress, ok := ui["progress"].(string); ok && progress != "" {
				cmd.Printf("progress: %s\n", progress)
			}
		}
	})

	rejoin := func() (stream.RejoinResult, error) {
		res := machine.Rejoin(ctx, func(runCtx context.Context) (*stream.Stream, error) {
			return client.JoinRun(runCtx, threadID, runID, thread.JoinOptions{
				StreamMode: []string{thread.StreamModeValues, thread.StreamModeCustom},
			})
		})
		if res.Cancelled {
			return res, backoff.Permanent(context.Canceled)
		}
		// transport failures land in session state; surface them to the
		// retry loop (a gone run shows up as a clean completion instead)
		if err := machine.State().Err; err != nil {
			return res, err
		}
		return res, nil
	}

	res, err := backoff.Retry(ctx, rejoin,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries),
	)
	if err != nil {
		return fmt.Errorf("could not follow run %s: %w", runID, err)
	}

	cmd.Printf("run %s finished after %d events\n", runID, res.EventCount)
	return nil
}
