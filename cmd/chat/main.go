// Package main starts the chat real-time service and handles termination.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	chatcmd "github.com/louisbranch/dicechat/internal/cmd/chat"
	entrypoint "github.com/louisbranch/dicechat/internal/platform/cmd"
	"github.com/louisbranch/dicechat/internal/platform/config"
)

func main() {
	cfg, err := chatcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("%s: configuration: %v", os.Args[0], err)
	}
	log.SetPrefix(entrypoint.LogPrefix(entrypoint.ServiceChat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := chatcmd.Run(ctx, cfg, os.Stdout); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
