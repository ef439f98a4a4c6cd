package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"prefork/cmd/preforkctl/ui"
	"prefork/internal/control/state"
)

// eventsCmd tails the lifecycle journal, newest first.
func eventsCmd(statePath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent worker lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := state.Open(*statePath)
			if err != nil {
				return fmt.Errorf("open state db: %w", err)
			}
			defer func() { _ = store.Close() }()

			events, err := store.RecentEvents(limit)
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			if len(events) == 0 {
				fmt.Println(ui.Muted("no events recorded"))
				return nil
			}

			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				rows = append(rows, []string{
					ev.At.Local().Format("2006-01-02 15:04:05"),
					colorKind(ev.Kind),
					ev.WorkerID,
					strconv.Itoa(ev.PID),
					ev.Detail,
				})
			}
			fmt.Println(ui.Table([]string{"TIME", "EVENT", "WORKER", "PID", "DETAIL"}, rows))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events to show")
	return cmd
}

func colorKind(kind string) string {
	switch kind {
	case state.EventCrashed, state.EventKilled, state.EventSpawnFailed:
		return ui.ErrorStyle.Render(kind)
	case state.EventTimeoutFlagged, state.EventStaleFlagged, state.EventSlotParked:
		return ui.Warn(kind)
	case state.EventSpawned:
		return ui.Success(kind)
	default:
		return ui.Muted(kind)
	}
}
