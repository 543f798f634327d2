// Command ppahd runs the PPAH verification service and the signaling rooms
// on one HTTP listener.
//
// Usage:
//
//	ppahd --config ppahd.yaml
//	PPAH_TOKEN_SECRET=... ppahd --db verifier.db --listen :8000
//	ppahd --config ppahd.yaml --mcp    # also serve MCP tools on stdio
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"

	"github.com/hazyhaar/ppah/signaling"
	"github.com/hazyhaar/ppah/verifier"
)

type options struct {
	configPath string
	dbPath     string
	listen     string
	logLevel   string
	origins    []string
	mcp        bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ppahd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("ppahd", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to YAML config file")
	flagSet.StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides config)")
	flagSet.StringVar(&opts.listen, "listen", "", "listen address (overrides config)")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.StringSliceVar(&opts.origins, "allowed-origin", nil, "browser origin host allowed on /ws (repeatable; default any)")
	flagSet.BoolVar(&opts.mcp, "mcp", false, "serve MCP tools on stdin/stdout")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(opts.logLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := verifier.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	return serve(ctx, logger, cfg, opts)
}

func serve(ctx context.Context, logger *slog.Logger, cfg *verifier.Config, opts options) error {
	v, err := verifier.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init verifier: %w", err)
	}
	defer v.Close()
	go v.Run(ctx)

	hubOpts := []signaling.Option{signaling.WithLogger(logger)}
	if len(opts.origins) > 0 {
		hubOpts = append(hubOpts, signaling.WithAllowedOrigins(opts.origins...))
	}
	hub := signaling.NewHub(hubOpts...)

	if opts.mcp {
		srv := mcp.NewServer(&mcp.Implementation{Name: "ppah-verifier", Version: verifier.Version}, nil)
		v.RegisterMCP(srv)
		go func() {
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("mcp stdio", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           v.Routes(hub.Mount),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ppahd: listening", "addr", cfg.Listen, "db", cfg.DBPath, "version", verifier.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	logger.Info("ppahd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
