package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"prefork/cmd/preforkctl/ui"
	"prefork/internal/control"
	"prefork/internal/control/state"
)

// statusCmd reports daemon health and the current worker roster.
func statusCmd(controlSocket, statePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show dispatcher health and worker roster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			serving, err := control.Check(cmd.Context(), *controlSocket)
			switch {
			case err != nil:
				fmt.Println(ui.ErrorMsg("daemon unreachable at %s: %v", *controlSocket, err))
			case serving == healthpb.HealthCheckResponse_SERVING:
				fmt.Println(ui.SuccessMsg("daemon serving"))
			default:
				fmt.Println(ui.WarnMsg("daemon %s", serving))
			}

			store, err := state.Open(*statePath)
			if err != nil {
				return fmt.Errorf("open state db: %w", err)
			}
			defer func() { _ = store.Close() }()

			workers, err := store.ListWorkers()
			if err != nil {
				return fmt.Errorf("list workers: %w", err)
			}

			running := 0
			for _, w := range workers {
				if w.State == state.WorkerRunning {
					running++
				}
			}
			fmt.Println(ui.KeyValues("  ",
				ui.KV("Socket", *controlSocket),
				ui.KV("State DB", *statePath),
				ui.KV("Workers", ui.Accent(fmt.Sprintf("%d running / %d known", running, len(workers)))),
			))

			if len(workers) == 0 {
				fmt.Println(ui.Muted("no workers recorded"))
				return nil
			}

			rows := make([][]string, 0, len(workers))
			for _, w := range workers {
				rows = append(rows, []string{
					w.WorkerID,
					strconv.Itoa(w.Slot),
					strconv.Itoa(w.PID),
					ui.Status(w.State),
					formatAge(time.Since(w.SpawnedAt)),
				})
			}
			fmt.Println(ui.Table([]string{"WORKER", "SLOT", "PID", "STATE", "AGE"}, rows))
			return nil
		},
	}
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
