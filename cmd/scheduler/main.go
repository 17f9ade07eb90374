// Command scheduler runs a scheduler process with a demo heartbeat
// workflow, mainly for local development against docker-compose Postgres.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"chainsharp/scheduler/internal/app"
	"chainsharp/scheduler/internal/config"
	"chainsharp/scheduler/internal/schedule"
	"chainsharp/scheduler/internal/services/scheduler"
	"chainsharp/scheduler/internal/services/startup"
	"chainsharp/scheduler/internal/workflow"
)

type heartbeatInput struct {
	Message string `json:"message"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	bus := workflow.NewBus()
	workflow.MustRegister(bus, "heartbeat", func(ctx context.Context, run *workflow.Run, input heartbeatInput) (any, error) {
		var beat time.Time
		err := run.Step(ctx, "beat", func(ctx context.Context) error {
			beat = time.Now()
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": input.Message, "at": beat}, nil
	})

	a, err := app.New(ctx, cfg, bus)
	if err != nil {
		log.Fatalf("failed to initialize scheduler: %v", err)
	}
	defer a.Close()

	declared := []startup.Declared{{
		PrunePrefix: "demo/",
		Specs: []scheduler.Options{{
			ExternalID: "demo/heartbeat",
			Group:      "demo",
			Schedule:   schedule.EveryMinutes(1),
			Input:      heartbeatInput{Message: "still alive"},
			MaxRetries: 3,
		}},
	}}

	if err := a.Run(ctx, declared); err != nil {
		log.Fatalf("scheduler exited: %v", err)
	}
}
