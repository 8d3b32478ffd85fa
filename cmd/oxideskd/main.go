package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/oxidesk/oxidesk/internal/app"
	"github.com/oxidesk/oxidesk/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	cfg, err := config.Load(os.Getenv("OXIDESK_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "serve":
		runServe(ctx, cfg)
	case "worker":
		runWorker(ctx, cfg)
	default:
		usage()
	}
}

// runServe starts every background engine alongside the HTTP surface
// (health, readiness, debug, metrics, realtime SSE) -- the single-process
// deployment mode.
func runServe(ctx context.Context, cfg config.Config) {
	appInstance, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("app init error: %v", err)
	}
	defer appInstance.Close()

	go appInstance.Run(ctx)

	log.Printf("oxideskd serving on %s", cfg.HTTP.Addr)
	if err := appInstance.Serve(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// runWorker starts only the background engines -- automation, SLA,
// availability, webhook fan-out/dispatch, email ingestion, delivery, and
// lease recovery -- with no HTTP surface, so conversation processing can
// be scaled out separately from the process serving agent/API traffic.
func runWorker(ctx context.Context, cfg config.Config) {
	appInstance, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("app init error: %v", err)
	}
	defer appInstance.Close()

	log.Println("oxideskd worker started")
	appInstance.Run(ctx)
}

func usage() {
	fmt.Println("Usage: oxideskd <serve|worker>")
}
