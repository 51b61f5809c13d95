// Command memflow-worker runs the worker-role Router loop: it consumes
// WORKER-stream activity requests and invokes user-registered activity
// handlers through activity.HandleRequest, publishing results back to the
// owning job's ENGINE stream.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hotmeshio/memflow/activity"
	"github.com/hotmeshio/memflow/router"
	"github.com/hotmeshio/memflow/stream"
	streammemory "github.com/hotmeshio/memflow/stream/memory"
	"github.com/hotmeshio/memflow/telemetry"
)

// activities maps activity name to its Go implementation. A production
// deployment registers its activity set here at startup.
var activities = map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error){}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "memflow-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := telemetry.NoopLogger{}
	bus := streammemory.New()

	consumerName, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("generate consumer name: %w", err)
	}

	taskQueue := "default"
	r := router.New(bus, workerHandler(bus, taskQueue, logger), router.Options{
		Stream:             taskQueue,
		Group:              stream.GroupWorker,
		ConsumerName:       "worker-" + consumerName.String(),
		BatchSize:          10,
		ReservationTimeout: 30 * time.Second,
		Logger:             logger,
	})

	logger.Info(ctx, "memflow-worker starting", "taskQueue", taskQueue)
	return r.Run(ctx)
}

func workerHandler(bus stream.Bus, workerStream string, logger telemetry.Logger) router.Handler {
	return func(ctx context.Context, msg stream.Message) error {
		var req activity.Request
		if err := json.Unmarshal(msg.Body, &req); err != nil {
			logger.Warn(ctx, "memflow-worker: undecodable request, dropping", "id", msg.ID)
			return nil
		}
		fn, ok := activities[req.Name]
		if !ok {
			logger.Warn(ctx, "memflow-worker: unknown activity, dropping", "name", req.Name)
			return nil
		}
		handler := func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
			return fn(ctx, args)
		}
		return activity.HandleRequest(ctx, bus, workerStream, req, handler, time.Now)
	}
}
