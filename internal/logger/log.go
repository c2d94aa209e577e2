// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"pixelwatch/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// Called once at startup. Switches between a developer console and
// machine-readable JSON depending on configuration.
//
//  1. Format:
//     - LOG_PRETTY=true: colored console lines
//     - LOG_PRETTY=false: JSON on stdout
//
//  2. Common fields: every line carries "service" and "instance".
//
//  3. Sampling: Debug/Info keep 1 of LOG_SAMPLE_N lines. Warn/Error are
//     never sampled.
//
// Usage:
//
//	logger.Init(cfg)
//	log.Info().Msg("server started")
func Init(cfg config.Config) {
	zlog.Logger = New(cfg, os.Stdout)

	// stdlib log.Println ends up in zerolog as well
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New builds the configured logger on top of out without touching the
// global state.
func New(cfg config.Config, out io.Writer) zerolog.Logger {

	// -------------------------------------------------------------------
	// 1) level
	// -------------------------------------------------------------------
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && cfg.LogLevel != "" {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	// -------------------------------------------------------------------
	// 2) writer
	// -------------------------------------------------------------------
	w := out
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	// -------------------------------------------------------------------
	// 3) base logger with common fields
	// -------------------------------------------------------------------
	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	// -------------------------------------------------------------------
	// 4) sampling
	// -------------------------------------------------------------------
	if cfg.LogSampleN > 1 {
		return base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}
	return base
}

// Component returns a child of the global logger tagged with name.
func Component(name string) zerolog.Logger {
	return zlog.Logger.With().Str("component", name).Logger()
}
