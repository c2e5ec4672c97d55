package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"callpop/internal/app"
	"callpop/internal/config"
	"callpop/internal/logging"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "settings file (default: settings.json next to the binary, or CONFIG_PATH)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("callpop", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		closer := logging.Setup(config.DefaultLogPath(), false)
		log.Printf("config: %v", err)
		closer.Close()
		fmt.Fprintf(os.Stderr, "callpop: %v\n", err)
		os.Exit(1)
	}
	closer := logging.Setup(cfg.LogPath, cfg.LogStderr)
	defer closer.Close()

	application, err := app.New(cfg, nil)
	if err != nil {
		log.Printf("init: %v", err)
		fmt.Fprintf(os.Stderr, "callpop: %v\n", err)
		closer.Close()
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := application.Run(ctx); err != nil {
		log.Printf("run: %v", err)
		fmt.Fprintf(os.Stderr, "callpop: %v\n", err)
		stop()
		closer.Close()
		os.Exit(1)
	}
}
