package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"treasury-agent/internal/app"
	"treasury-agent/internal/config"
	"treasury-agent/internal/engine"
	"treasury-agent/internal/logging"
)

// One-shot sweep runner for cron-style deployments where no resident
// process is wanted. With -user it evaluates a single address instead
// of the full pass.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	user := flag.String("user", "", "evaluate a single user address instead of sweeping")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}
	defer application.Close()

	if *user != "" {
		result := application.Engine().Evaluate(ctx, *user, engine.EvalContext{Trigger: engine.TriggerManual})
		printJSON(result)
		return
	}

	report := application.Sweeper().Run(ctx)
	printJSON(report)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
