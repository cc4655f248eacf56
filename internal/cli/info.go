package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewInfoCmd creates the backend liveness command.
func NewInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Probe backend liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if _, err := client.Info(cmd.Context()); err != nil {
				return err
			}
			color.Green("backend is up")
			return nil
		},
	}
}
