// worker is the broker-consuming process: it pulls events from the shared
// queue, runs the registered handlers, and relays final results back to
// the gateway. Several workers may run against the same broker; each owns
// its own coordination-store connection and router.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/concierge-sh/concierge/pkg/api"
	"github.com/concierge-sh/concierge/pkg/broker"
	"github.com/concierge-sh/concierge/pkg/config"
	"github.com/concierge-sh/concierge/pkg/coord"
	"github.com/concierge-sh/concierge/pkg/dispatch"
	"github.com/concierge-sh/concierge/pkg/logger"
)

func main() {
	configPath := flag.String("config", "concierge.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if !cfg.BrokerEnabled() {
		return fmt.Errorf("worker requires a broker url (broker.url or CONCIERGE_BROKER_URL)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Own coordination connection: the kill switch must be observable
	// here without any help from the gateway process.
	var store coord.Store
	if cfg.Coordination.Path != "" {
		sqliteStore, err := coord.OpenSQLiteStore(cfg.Coordination.Path)
		if err != nil {
			return err
		}
		store = sqliteStore
	} else {
		logger.WarnC("main", "No coordination path configured; kill switch is process-local")
		store = coord.NewMemoryStore()
	}
	defer store.Close()

	gate := coord.NewGate(store)
	router := dispatch.NewRouter(gate)

	results := api.NewResultClient(cfg.GatewayURL(), cfg.Gateway.APIKey)
	router.Register(respondAndRelay(results))

	worker := broker.NewWorker(cfg.Broker.URL, cfg.Broker.Queue, cfg.Broker.Prefetch, router)
	defer worker.Close()

	return worker.Run(ctx)
}

// respondAndRelay is the worker's terminal handler: it produces the final
// textual outcome for an event and pushes it to the gateway, which feeds
// the audit sink and any listening client. The reasoning logic that would
// normally compose the response plugs in here.
func respondAndRelay(results *api.ResultClient) dispatch.Handler {
	return func(ctx context.Context, ev dispatch.Event) error {
		switch payload := ev.Payload.(type) {
		case dispatch.MessagePayload:
			text := fmt.Sprintf("received message from %s", payload.UserID)
			return results.Deliver(ctx, ev.ID, text, payload.UserID)

		case dispatch.ScheduledTaskPayload:
			cron, at, err := payload.Resolve()
			if err != nil {
				return fmt.Errorf("scheduled task %s: %w", ev.ID, err)
			}
			when := cron
			if when == "" {
				when = at
			}
			text := fmt.Sprintf("task fired: %s (%s)", payload.Intent, when)
			return results.Deliver(ctx, ev.ID, text, "")

		default:
			logger.DebugCF("worker", "No terminal response for payload kind", map[string]interface{}{
				"event_id": ev.ID,
				"kind":     string(payload.Kind()),
			})
			return nil
		}
	}
}
