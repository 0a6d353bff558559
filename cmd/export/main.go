// Package main writes chat transcripts from the chat database.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	exportcmd "github.com/louisbranch/dicechat/internal/cmd/export"
	entrypoint "github.com/louisbranch/dicechat/internal/platform/cmd"
	"github.com/louisbranch/dicechat/internal/platform/config"
)

func main() {
	cfg, err := exportcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("%s: configuration: %v", os.Args[0], err)
	}
	log.SetPrefix(entrypoint.LogPrefix(entrypoint.ServiceExport))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := exportcmd.Run(ctx, cfg, os.Stdout); err != nil {
		log.Fatalf("export failed: %v", err)
	}
}
