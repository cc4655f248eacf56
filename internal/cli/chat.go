package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/abiosoft/ishell/v2"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/muesli/reflow/wordwrap"
	"github.com/spf13/cobra"

	"github.com/sais-dev/sais/go/pkg/stream"
	"github.com/sais-dev/sais/go/pkg/thread"
)

const chatWrapWidth = 80

// NewChatCmd creates the interactive chat command.
func NewChatCmd() *cobra.Command {
	var threadID, assistantID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat over a backend thread",
		Long: `Open an interactive shell against a thread. Each "send" starts a run,
streams its state updates, and prints the assistant's reply.

Examples:
  sais chat
  sais chat --thread 6f1d4c2a --assistant investigator`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), client, threadID, assistantID)
		},
	}

	cmd.Flags().StringVar(&threadID, "thread", "", "Existing thread id (default: create a new thread)")
	cmd.Flags().StringVar(&assistantID, "assistant", "investigator", "Assistant to run")

	return cmd
}

func runChat(ctx context.Context, client *thread.Client, threadID, assistantID string) error {
	if threadID == "" {
		th, err := client.CreateThread(ctx, map[string]any{"origin": "sais-cli"})
		if err != nil {
			return fmt.Errorf("failed to create thread: %w", err)
		}
		threadID = th.ThreadID
		fmt.Printf("created thread %s\n", threadID)
	}

	machine := stream.NewMachine(stream.WithLogger(newLogger()))

	shell := ishell.New()
	shell.Println("sais chat — 'send <text>' to talk, 'state' for session state, 'exit' to quit")

	shell.AddCmd(&ishell.Cmd{
		Name: "send",
		Help: "send a message and stream the response",
		Func: func(c *ishell.Context) {
			text := strings.TrimSpace(strings.Join(c.Args, " "))
			if text == "" {
				c.Println("usage: send <text>")
				return
			}
			sendAndStream(ctx, c, client, machine, threadID, assistantID, text)
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "state",
		Help: "show current session state",
		Func: func(c *ishell.Context) {
			printState(c, machine.State())
		},
	})

	shell.Run()
	return nil
}

func sendAndStream(ctx context.Context, c *ishell.Context, client *thread.Client, machine *stream.Machine, threadID, assistantID, text string) {
	// show the user's message immediately, ahead of the backend round-trip
	machine.ApplyOptimistic(func(values map[string]any) map[string]any {
		msg := map[string]any{"id": uuid.NewString(), "type": "human", "content": text}
		if values == nil {
			return map[string]any{"messages": []any{msg}}
		}
		out := maps.Clone(values)
		existing, _ := out["messages"].([]any)
		out["messages"] = append(slices.Clone(existing), msg)
		return out
	})

	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	spin.Suffix = " running..."
	spin.Start()

	cancelled := machine.Start(ctx, func(runCtx context.Context) (*stream.Stream, error) {
		return client.StreamRun(runCtx, threadID, thread.RunRequest{
			AssistantID: assistantID,
			Input: map[string]any{
				"messages": []any{map[string]any{"type": "human", "content": text}},
			},
			StreamMode:      []string{thread.StreamModeValues, thread.StreamModeCustom},
			StreamSubgraphs: true,
			StreamResumable: true,
			OnDisconnect:    thread.OnDisconnectContinue,
		})
	})

	spin.Stop()

	st := machine.State()
	if st.Err != nil {
		color.Red("run failed: %v", st.Err)
		return
	}
	if cancelled {
		c.Println("run cancelled")
		return
	}

	messages, err := client.GetMessages(ctx, threadID)
	if err != nil {
		color.Red("failed to fetch messages: %v", err)
		return
	}
	printReply(c, messages)
}

func printReply(c *ishell.Context, messages []thread.Message) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Type != "ai" {
			continue
		}
		label := color.New(color.FgCyan, color.Bold).Sprint("assistant")
		c.Printf("%s: %s\n", label, wordwrap.String(contentText(messages[i].Content), chatWrapWidth))
		return
	}
	c.Println("(no assistant reply yet)")
}

func printState(c *ishell.Context, st stream.State) {
	c.Printf("loading: %v\n", st.IsLoading)
	if st.RunID != "" {
		c.Printf("run: %s\n", st.RunID)
	}
	if st.Err != nil {
		c.Printf("error: %v\n", st.Err)
	}
	if st.Values == nil {
		c.Println("values: (none)")
		return
	}
	keys := slices.Sorted(maps.Keys(st.Values))
	c.Printf("values: %s\n", strings.Join(keys, ", "))
}

// contentText flattens a message content field, which may be a plain string
// or a list of typed parts.
func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, part := range v {
			m, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprintf("%v", content)
	}
}
