package cli

import (
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sais-dev/sais/go/pkg/branch"
)

// NewHistoryCmd creates the checkpoint history command.
func NewHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <thread-id>",
		Short: "Show a thread's checkpoint history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			history, err := client.GetHistory(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			indexer := branch.NewIndexer()
			indexer.Update(history)

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"CHECKPOINT", "CREATED", "NEXT", "MESSAGES", "TASKS"})
			for _, snapshot := range history {
				messages, _ := snapshot.Values["messages"].([]any)
				t.AppendRow(table.Row{
					snapshot.Checkpoint.CheckpointID,
					snapshot.CreatedAt.Format(time.RFC3339),
					strings.Join(snapshot.Next, ","),
					len(messages),
					len(snapshot.Tasks),
				})
			}
			t.Render()

			if interrupt := indexer.Interrupt(); interrupt != nil {
				cmd.Printf("\npending interrupt: %v\n", interrupt.Value)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 25, "Maximum number of snapshots to fetch")

	return cmd
}
