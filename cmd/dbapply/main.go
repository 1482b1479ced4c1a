// Command dbapply runs the DBApply service (§4.2): a stop-aware broker
// consumer that validates content type, translates each message to SQL via
// DbJobExecutor, and applies it to Postgres. Grounded on the teacher's
// cmd/job-queue-system/main.go flag-parse/config-load/signal-handle/run
// shape, retargeted from a multi-role Redis worker CLI to a single-role
// service binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ngee044/cachedb-pipeline/internal/backlogmon"
	"github.com/ngee044/cachedb-pipeline/internal/breaker"
	"github.com/ngee044/cachedb-pipeline/internal/broker"
	"github.com/ngee044/cachedb-pipeline/internal/config"
	"github.com/ngee044/cachedb-pipeline/internal/dbapply"
	"github.com/ngee044/cachedb-pipeline/internal/dbexec"
	"github.com/ngee044/cachedb-pipeline/internal/obs"
	"github.com/ngee044/cachedb-pipeline/internal/pgdb"
)

func main() {
	os.Exit(run())
}

// run defers logFatalPanic once the logger exists. Go has no way to trap
// SIGSEGV/SIGILL/SIGFPE the way the C++ original did (they surface as
// panics or the runtime terminates directly), so the "one final
// attempting-stop log line" (§6 Signals) is implemented as a recover()
// boundary instead of an OS signal handler.
func run() int {
	fs := flag.NewFlagSet("dbapply", flag.ContinueOnError)
	fs.Usage = func() {}
	configPath := fs.String("config", "main_db_service_cfg.json", "path to main_db_service_cfg.json")
	_ = fs.Parse(os.Args[1:])

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

	db, err := pgdb.Open(cfg.PostgresConn)
	if err != nil {
		logger.Error("start-step-failed: open postgres", zap.Error(err))
		return 1
	}
	defer db.Close()

	if err := db.Ping(context.Background()); err != nil {
		logger.Error("start-step-failed: postgres health check", zap.Error(err))
		return 1
	}

	exec := dbexec.New(db, dbexec.Policy{
		AllowedOps:    cfg.AllowedOps,
		AllowedTables: cfg.AllowedTables,
	})

	cb := breaker.New(30*time.Second, 10*time.Second, 0.5, 5)

	brk := broker.New(cfg)
	rt := dbapply.New(logger, cfg, brk, exec, cb)

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
		logger.Error("dbapply failed to start", zap.Error(err))
		return 1
	}

	go backlogmon.New(logger, brk, cfg.ConsumeQueueName, 1000, 30*time.Second).Run(ctx)

	rt.WaitStop()
	logger.Info("dbapply stopped cleanly")
	return 0
}

// logFatalPanic logs one "attempting stop" event carrying the panic value,
// then re-panics so the process still terminates with a non-zero exit and
// a crash dump, the same end state the C++ original reached after its
// signal trap re-raised.
func logFatalPanic(logger *zap.Logger) {
	if r := recover(); r != nil {
		logger.Error("attempting stop on fatal error", zap.Any("panic", r))
		panic(r)
	}
}
