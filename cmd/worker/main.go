package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"regionworker/internal/app"
	"regionworker/pkg/systemd"
)

var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("WORKER_CONFIG"), "path to config json/yaml (optional)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{ConfigPath: cfgPath, Version: version, Notifier: systemd.NewNotifier()})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(a)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	fatal := a.Err()
	stop(a)
	if fatal != nil {
		fmt.Fprintln(os.Stderr, "fatal:", fatal)
		os.Exit(1)
	}
}

func stop(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second+a.Config().Scheduler.Drain())
	defer cancel()
	_ = a.Stop(ctx)
}
