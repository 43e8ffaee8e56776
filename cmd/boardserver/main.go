// Command boardserver runs the coordination engine: the gated task
// store, chat/presence stores, the insight->task bridge, the watchdog
// scheduler, and the HTTP/SSE surface, grounded on the teacher's
// cmd/cliaimonitor entrypoint (flag parsing, signal-driven graceful
// shutdown) but retargeted onto this module's services.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reflectt/boardserver/internal/approval"
	"github.com/reflectt/boardserver/internal/artifacts"
	"github.com/reflectt/boardserver/internal/bridge"
	"github.com/reflectt/boardserver/internal/broker"
	"github.com/reflectt/boardserver/internal/config"
	"github.com/reflectt/boardserver/internal/events"
	"github.com/reflectt/boardserver/internal/httpapi"
	"github.com/reflectt/boardserver/internal/store"
	"github.com/reflectt/boardserver/internal/watchdog"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "data/board.db", "sqlite database path (use :memory: for ephemeral)")
	configPath := flag.String("config", "configs/policy.yaml", "policy configuration file")
	natsURL := flag.String("nats-url", "", "external NATS server URL; empty starts an embedded server")
	embeddedNatsPort := flag.Int("nats-port", 4222, "port for the embedded NATS server when -nats-url is empty")
	githubToken := flag.String("github-token", os.Getenv("GITHUB_TOKEN"), "token for review-bundle PR/CI lookups")
	flag.Parse()

	policy, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[BOARDSERVER] failed to load policy: %v", err)
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("[BOARDSERVER] failed to open store: %v", err)
	}
	defer db.Close()

	db.Tasks.Policy = policy

	bus := events.NewBus()
	hub := httpapi.NewHub()
	sink := httpapi.NewEventSink(bus, hub)
	db.Tasks.Sink = sink
	db.Chat.Sink = sink
	db.Presence.Sink = sink

	relay, brokerClient := startBroker(bus, *natsURL, *embeddedNatsPort)
	if relay != nil {
		defer relay.Stop()
	}
	if brokerClient != nil {
		defer brokerClient.Close()
	}

	wireApprovalDetector(bus, db.Tasks)

	br := &bridge.Bridge{
		Insights: db.Insights, Tasks: db.Tasks, Triage: db.Triage,
		Policy: policy, Now: func() int64 { return time.Now().UnixMilli() },
	}
	if outcomes, aerr := br.ScanPending([]string{"new", "pending_triage"}); aerr != nil {
		log.Printf("[BOARDSERVER] insight bridge catch-up scan failed: %v", aerr)
	} else {
		log.Printf("[BOARDSERVER] insight bridge catch-up scanned %d pending insight(s)", len(outcomes))
	}

	sc := watchdog.New(watchdog.Services{
		Tasks: db.Tasks, Chat: db.Chat, Presence: db.Presence,
		Mentions: db.Mentions, Insights: db.Insights, Audit: db.Policy,
		Policy: policy,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if policy.HealthEnabled {
		go sc.Run(ctx)
	} else {
		log.Printf("[BOARDSERVER] watchdog scheduling disabled via policy")
	}

	fetcher := artifacts.NewHTTPFetcher(*githubToken)
	server := httpapi.New(db, bus, sc, br, policy, fetcher)

	httpServer := &http.Server{Addr: *addr, Handler: server.Handler()}
	go func() {
		log.Printf("[BOARDSERVER] listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[BOARDSERVER] http server failed: %v", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown
	log.Printf("[BOARDSERVER] shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[BOARDSERVER] http shutdown error: %v", err)
	}
}

// startBroker wires the optional NATS cross-process relay (spec §9's
// "Distribute via a lightweight message broker" open question, resolved
// in favor of the teacher's embedded-NATS pattern). A failure to start
// the broker is non-fatal: the board still runs single-process.
func startBroker(bus *events.Bus, natsURL string, embeddedPort int) (*broker.Relay, *broker.Client) {
	url := natsURL
	if url == "" {
		embedded := broker.NewEmbeddedServer(broker.EmbeddedServerConfig{Port: embeddedPort})
		if err := embedded.Start(); err != nil {
			log.Printf("[BOARDSERVER] embedded NATS server failed to start, continuing without cross-process relay: %v", err)
			return nil, nil
		}
		url = embedded.URL()
	}

	client, err := broker.NewClient(url)
	if err != nil {
		log.Printf("[BOARDSERVER] NATS client connect failed, continuing without cross-process relay: %v", err)
		return nil, nil
	}

	relay := broker.NewRelay(bus, client)
	if err := relay.Start(); err != nil {
		log.Printf("[BOARDSERVER] event relay failed to start: %v", err)
		client.Close()
		return nil, nil
	}
	return relay, client
}

// wireApprovalDetector subscribes the chat-driven approval detector to
// every posted message (spec §4.6).
func wireApprovalDetector(bus *events.Bus, tasks *store.TaskStore) {
	bus.Subscribe("approval-detector", func(ev events.Event) {
		if ev.Type != events.MessagePosted {
			return
		}
		msg, _ := ev.Data["message"].(*store.Message)
		if msg == nil || msg.Content == "" {
			return
		}
		approval.OnMessagePosted(tasks, ev.Agent, msg.Content, ev.Timestamp.UnixMilli())
	})
}
