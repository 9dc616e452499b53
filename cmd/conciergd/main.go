// conciergd is the gateway process: it accepts dispatches from all inbound
// surfaces, runs the pipeline (locally, or by publishing to the shared
// broker), serves the audit view, and pushes live results to clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/concierge-sh/concierge/pkg/api"
	"github.com/concierge-sh/concierge/pkg/audit"
	"github.com/concierge-sh/concierge/pkg/broker"
	"github.com/concierge-sh/concierge/pkg/bus"
	"github.com/concierge-sh/concierge/pkg/config"
	"github.com/concierge-sh/concierge/pkg/coord"
	"github.com/concierge-sh/concierge/pkg/dispatch"
	"github.com/concierge-sh/concierge/pkg/logger"
	"github.com/concierge-sh/concierge/pkg/schedule"
)

func main() {
	configPath := flag.String("config", "concierge.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "conciergd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Coordination store: one connection owned by this process ---
	var store coord.Store
	if cfg.Coordination.Path != "" {
		sqliteStore, err := coord.OpenSQLiteStore(cfg.Coordination.Path)
		if err != nil {
			return err
		}
		store = sqliteStore
	} else {
		logger.WarnC("main", "No coordination path configured, using in-memory store (single process only)")
		store = coord.NewMemoryStore()
	}
	defer store.Close()

	gate := coord.NewGate(store)
	signals := bus.New()
	defer signals.Close()

	sink, err := audit.OpenSQLiteSink(cfg.Audit.Path, signals)
	if err != nil {
		return err
	}
	defer sink.Close()

	// --- Pipeline ---
	normalizer := dispatch.NewNormalizer(cfg.Dispatch.DefaultIdentity)
	dedup := dispatch.NewDeduplicator(cfg.Dispatch.DedupWindow)
	router := dispatch.NewRouter(gate)

	var dispatcher *dispatch.Dispatcher
	if cfg.BrokerEnabled() {
		logger.InfoCF("main", "Distributed mode: publishing to broker", map[string]interface{}{
			"queue": cfg.Broker.Queue,
		})
		publisher := broker.NewPublisher(cfg.Broker.URL, cfg.Broker.Queue)
		defer publisher.Close()
		dispatcher = dispatch.NewBrokerDispatcher(normalizer, dedup, publisher)
	} else {
		logger.InfoC("main", "Local mode: in-process dispatch loop")
		queue := dispatch.NewLocalQueue(cfg.Dispatch.MaxPending)
		dispatcher = dispatch.NewDispatcher(normalizer, dedup, queue)
		router.Register(recordOutcome(sink))
		go queue.Run(ctx, router)
	}

	// --- Schedule triggers + reload watcher ---
	scheduler := schedule.NewService(dispatcher, cfg.Schedule)
	go scheduler.Run(ctx)

	watcher := coord.NewWatcher(store, cfg.Coordination.PollInterval)
	watcher.Watch("schedule", func() {
		fresh, err := config.Load(configPath)
		if err != nil {
			logger.ErrorCF("main", "Schedule reload failed to re-read config", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		scheduler.Reload(fresh.Schedule)
	})
	go watcher.Run(ctx)

	// --- API ---
	server := api.NewServer(cfg, dispatcher, gate, store, sink, signals, scheduler)
	if err := server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.InfoC("main", "Shutting down")
	return server.Stop()
}

// recordOutcome is the gateway's built-in handler for local mode: every
// delivered event leaves an audit trail. Scheduled tasks with no
// scheduling information are rejected here, per the handler contract.
func recordOutcome(sink *audit.SQLiteSink) dispatch.Handler {
	return func(ctx context.Context, ev dispatch.Event) error {
		entry := audit.Entry{
			Type: audit.TypeAgentRun,
			Payload: map[string]interface{}{
				"event_id": ev.ID,
				"source":   ev.Source,
				"type":     ev.Type,
			},
		}

		if task, ok := ev.Payload.(dispatch.ScheduledTaskPayload); ok {
			entry.Type = audit.TypeScheduledTask
			entry.Payload["intent"] = task.Intent
			if cron, at, err := task.Resolve(); err != nil {
				entry.Type = audit.TypeDecision
				entry.Payload["decision"] = "rejected"
				entry.Payload["reason"] = err.Error()
			} else if cron != "" {
				entry.Payload["cron"] = cron
			} else {
				entry.Payload["execute_at"] = at
			}
		}

		if msg, ok := ev.Payload.(dispatch.MessagePayload); ok {
			entry.UserID = msg.UserID
		}

		return sink.Append(entry)
	}
}
