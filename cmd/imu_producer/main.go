// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/movement_recorder/internal/app"
	"github.com/relabs-tech/movement_recorder/internal/config"
)

func main() {
	configPath := flag.String("config", "./configs/recorder.toml", "path to configuration file")
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.RunSampleProducer(ctx); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
