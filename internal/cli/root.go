package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sais-dev/sais/go/pkg/thread"
)

// NewRootCmd creates the sais root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sais",
		Short: "Client for the SAIS agent-session backend",
		Long: `Command-line client for the SAIS agent-session backend.

Connection settings come from flags or from SAIS_* environment variables
(SAIS_BASE_URL, SAIS_COOKIE).`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("base-url", "http://localhost:2024", "Backend base URL")
	cmd.PersistentFlags().String("cookie", "", "Session cookie sent with every request")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	viper.SetEnvPrefix("SAIS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("base-url", cmd.PersistentFlags().Lookup("base-url"))
	_ = viper.BindPFlag("cookie", cmd.PersistentFlags().Lookup("cookie"))
	_ = viper.BindPFlag("verbose", cmd.PersistentFlags().Lookup("verbose"))

	cmd.AddCommand(NewChatCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewWatchCmd())
	cmd.AddCommand(NewInfoCmd())

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() logr.Logger {
	if !viper.GetBool("verbose") {
		return logr.Discard()
	}
	return funcr.New(func(prefix, args string) {
		fmt.Fprintln(os.Stderr, prefix, args)
	}, funcr.Options{Verbosity: 1})
}

func newClient() (*thread.Client, error) {
	return thread.New(thread.Config{
		BaseURL: viper.GetString("base-url"),
		Cookie:  viper.GetString("cookie"),
		Logger:  newLogger(),
	})
}
