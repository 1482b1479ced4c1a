// Package obs constructs the process-wide structured logger shared by both
// services.
package obs

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options mirrors the logger keys recognized in the service configuration
// file (service_title, log_root_path, write_file, write_console,
// write_interval).
type Options struct {
	ServiceTitle  string
	LogRootPath   string
	WriteFile     bool
	WriteConsole  bool
	WriteInterval time.Duration
	Level         string
}

// New builds a zap.Logger from Options. When both WriteFile and WriteConsole
// are false, the logger writes nowhere (Discard core) rather than defaulting
// to stderr — callers opt in explicitly, as the original service did.
//
// The returned stop func flushes and, if WriteInterval is positive, stops a
// background ticker that periodically Syncs the logger so a rotated file
// doesn't sit on buffered-but-unflushed lines between events.
func New(opts Options) (*zap.Logger, func(), error) {
	lvl := parseLevel(opts.Level)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	var cores []zapcore.Core
	if opts.WriteConsole {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), lvl))
	}
	if opts.WriteFile && opts.LogRootPath != "" {
		rotate := &lumberjack.Logger{
			Filename:   filepath.Join(opts.LogRootPath, opts.ServiceTitle+".log"),
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     28,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotate), lvl))
	}

	var core zapcore.Core
	switch len(cores) {
	case 0:
		core = zapcore.NewNopCore()
	case 1:
		core = cores[0]
	default:
		core = zapcore.NewTee(cores...)
	}

	logger := zap.New(core).Named(opts.ServiceTitle)

	var stopTicker func()
	if opts.WriteInterval > 0 {
		done := make(chan struct{})
		ticker := time.NewTicker(opts.WriteInterval)
		go func() {
			for {
				select {
				case <-ticker.C:
					_ = logger.Sync()
				case <-done:
					ticker.Stop()
					return
				}
			}
		}()
		stopTicker = func() { close(done) }
	}

	stop := func() {
		if stopTicker != nil {
			stopTicker()
		}
		_ = logger.Sync()
	}
	return logger, stop, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "":
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}

// Convenience typed fields, kept from the upstream logging helper so call
// sites read the same across both services.
func String(k, v string) zap.Field  { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field        { return zap.Error(err) }
