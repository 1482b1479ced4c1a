// Command cacheingest runs the CacheIngest service (§4.3): a periodic
// forwarder that buffers validated JSON job bodies and flushes them to the
// broker on a timer. Grounded on the teacher's cmd/job-queue-system/main.go
// flag-parse/config-load/signal-handle/run shape, retargeted from a
// multi-role Redis worker CLI to a single-role service binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ngee044/cachedb-pipeline/internal/broker"
	"github.com/ngee044/cachedb-pipeline/internal/cacheingest"
	"github.com/ngee044/cachedb-pipeline/internal/config"
	"github.com/ngee044/cachedb-pipeline/internal/kv"
	"github.com/ngee044/cachedb-pipeline/internal/obs"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFS := flag.NewFlagSet("cacheingest", flag.ContinueOnError)
	configFS.Usage = func() {}
	configPath := configFS.String("config", "cache_db_service_cfg.json", "path to cache_db_service_cfg.json")
	_ = configFS.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "start-step-failed: load config: %v\n", err)
		return 1
	}

	logger, stopLog, err := obs.New(obs.Options{
		ServiceTitle:  cfg.ServiceTitle,
		LogRootPath:   cfg.LogRootPath,
		WriteFile:     cfg.WriteFile,
		WriteConsole:  cfg.WriteConsole,
		WriteInterval: cfg.WriteInterval,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start-step-failed: init logger: %v\n", err)
		return 1
	}
	defer stopLog()
	defer logFatalPanic(logger)

	kvClient := kv.New(cfg)
	defer kvClient.Close()

	brk := broker.New(cfg)
	rt := cacheingest.New(logger, cfg, kvClient, brk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, stopping", zap.String("signal", sig.String()))
		rt.Stop()
	}()

	if err := rt.Start(ctx); err != nil {
		logger.Error("cacheingest failed to start", zap.Error(err))
		return 1
	}

	rt.WaitStop()
	logger.Info("cacheingest stopped cleanly")
	return 0
}

// logFatalPanic logs one "attempting stop" event carrying the panic value,
// then re-panics so the process still terminates with a non-zero exit —
// the Go equivalent of §6's "trap SIGABRT/SIGSEGV/SIGILL/SIGFPE just long
// enough to log, then re-raise," since Go has no way to trap those signals
// mid-fault the way the C++ original did.
func logFatalPanic(logger *zap.Logger) {
	if r := recover(); r != nil {
		logger.Error("attempting stop on fatal error", zap.Any("panic", r))
		panic(r)
	}
}
