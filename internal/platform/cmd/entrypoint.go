// Package cmd holds the startup steps shared by the chat server and the
// transcript exporter.
package cmd

import (
	"context"
	"errors"
	"flag"
	"log"
	"strings"

	"github.com/louisbranch/dicechat/internal/platform/config"
	"github.com/louisbranch/dicechat/internal/platform/otel"
	"github.com/louisbranch/dicechat/internal/platform/timeouts"
)

// Service names. Each doubles as the trace resource name and, upper-cased,
// as the log prefix.
const (
	ServiceChat   = "chat"
	ServiceExport = "export"
)

// ParseConfig fills cfg from DICECHAT_ environment variables and their
// envDefault tags. Commands parse flags afterwards so flags win.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses args with fs. A nil args slice means no flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// RunWithTelemetry installs the trace provider for service, calls run, and
// flushes pending spans before returning run's error.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	switch {
	case service == "":
		return errors.New("service name is required")
	case run == nil:
		return errors.New("run function is required")
	}

	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.Printf("trace flush: %v", err)
		}
	}()
	return run(ctx)
}

// LogPrefix returns the std log prefix for service, e.g. "[CHAT] ".
func LogPrefix(service string) string {
	return "[" + strings.ToUpper(strings.TrimSpace(service)) + "] "
}
