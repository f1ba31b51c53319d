package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"spotex.com/internal/exchange/app"
)

func main() {
	var (
		paths   = flag.String("config", "", "extra config search paths, comma separated")
		migrate = flag.Bool("migrate", false, "auto migrate tables on start")
		seed    = flag.String("seed", "", "credit balances and exit, e.g. 1:USDT:1000,2:BTC:1 (not idempotent)")
	)
	flag.Parse()

	// SIGINT / SIGTERM 触发优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opt := app.Options{Migrate: *migrate}
	if *paths != "" {
		opt.ConfigPaths = strings.Split(*paths, ",")
	}
	if *seed != "" {
		if err := app.Seed(ctx, opt, *seed); err != nil {
			log.Fatalf("exchange-service seed: %v", err)
		}
		return
	}
	if err := app.Run(ctx, opt); err != nil {
		log.Fatalf("exchange-service: %v", err)
	}
}
