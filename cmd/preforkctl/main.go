package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"prefork/cmd/preforkctl/ui"
	"prefork/config"
	"prefork/internal/logging"
	"prefork/internal/support/buildinfo"
)

func main() {
	var (
		debug         bool
		controlSocket string
		statePath     string
	)
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "preforkctl",
		Short:         "Inspect a running preforkd dispatcher",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.Configure()
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	def := config.Default()
	root.PersistentFlags().StringVar(&controlSocket, "control-socket", def.ControlSocket, "Control socket path")
	root.PersistentFlags().StringVar(&statePath, "state-db", def.StatePath, "State database path")

	root.AddCommand(statusCmd(&controlSocket, &statePath))
	root.AddCommand(eventsCmd(&statePath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}
