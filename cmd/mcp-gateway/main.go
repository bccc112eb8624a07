// Command mcp-gateway runs the MCP hub gateway: an SSE/JSON-RPC front door
// that aggregates tools from local-process and external MCP backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/aihub/mcp-gateway/pkg/config"
	"github.com/aihub/mcp-gateway/pkg/gateway"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "gateway.yaml", "path to the gateway configuration file")
	addr := flag.String("addr", "", "listen address, overriding the configured one")
	logJSON := flag.Bool("log-json", false, "emit structured JSON logs")
	flag.Parse()

	// Secrets referenced as ${VAR} in the config come from the environment.
	_ = godotenv.Load()

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	snap, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		snap.Server.Addr = *addr
	}

	gw, err := gateway.New(snap, &gateway.Options{Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				next, err := config.Load(*configPath)
				if err != nil {
					logger.Error("reload failed, keeping previous configuration", "error", err)
					continue
				}
				if *addr != "" {
					next.Server.Addr = *addr
				}
				gw.Reload(next)
			}
		}
	}()

	return gw.ListenAndServe(ctx)
}
