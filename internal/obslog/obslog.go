// Package obslog owns the process-wide zap logger shared by the bridge
// server, the client and the UCI adapter.
package obslog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var globalLogger = zap.NewNop()

// L returns the global logger. It is a no-op until Init* runs.
func L() *zap.Logger { return globalLogger }

// Replace swaps the global logger and returns a func restoring the previous one.
func Replace(l *zap.Logger) func() {
	prev := globalLogger
	if l == nil {
		l = zap.NewNop()
	}
	globalLogger = l
	return func() { globalLogger = prev }
}

// Format selects the encoder.
type Format string

const (
	FormatLegacy  Format = "legacy"
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Rotation mirrors the lumberjack knobs.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Options describes one logger. Console output goes to Out.
type Options struct {
	Level   zapcore.Level
	Format  Format
	Console bool
	Caller  bool
	// File is empty when file logging is off.
	File     string
	Rotation Rotation
	Out      io.Writer
}

// OptionsFromEnv reads LOG_* variables. LOG_DIR implies file output.
func OptionsFromEnv(out io.Writer) Options {
	o := Options{
		Level:   parseLevel(os.Getenv("LOG_LEVEL")),
		Format:  parseFormat(os.Getenv("LOG_FORMAT")),
		Console: envBool("LOG_TO_CONSOLE", true),
		Caller:  envBool("LOG_CALLER", false),
		Rotation: Rotation{
			MaxSizeMB:  envInt("LOG_MAX_SIZE_MB", 50),
			MaxBackups: envInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: envInt("LOG_MAX_AGE_DAYS", 14),
			Compress:   envBool("LOG_COMPRESS", false),
		},
		Out: out,
	}
	name := envString("LOG_FILE", "bridge.log")
	if dir := strings.TrimSpace(os.Getenv("LOG_DIR")); dir != "" {
		o.File = filepath.Join(dir, name)
	} else if envBool("LOG_TO_FILE", false) {
		o.File = name
	}
	return o
}

// InitFromEnv installs a logger built from the environment with console on stdout.
func InitFromEnv() error { return initWith(OptionsFromEnv(os.Stdout)) }

// InitStderrFromEnv is InitFromEnv with console output on stderr, for
// processes whose stdout carries protocol traffic.
func InitStderrFromEnv() error { return initWith(OptionsFromEnv(os.Stderr)) }

func initWith(o Options) error {
	l, err := Build(o)
	if err != nil {
		return err
	}
	globalLogger = l
	return nil
}

// Build assembles a logger from o without touching the global one.
func Build(o Options) (*zap.Logger, error) {
	if o.Out == nil {
		o.Out = os.Stderr
	}
	var cores []zapcore.Core
	if o.Console {
		cores = append(cores, zapcore.NewCore(o.Format.encoder(), zapcore.AddSync(o.Out), o.Level))
	}
	if o.File != "" {
		sink, err := rotatingSink(o.File, o.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(o.Format.encoder(), sink, o.Level))
	}
	if len(cores) == 0 {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(o.Out), o.Level))
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if o.Caller || o.Format == FormatLegacy {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

func rotatingSink(path string, r Rotation) (zapcore.WriteSyncer, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	}), nil
}

func (f Format) encoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	switch f {
	case FormatJSON:
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(cfg)
	case FormatConsole:
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	default:
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.ConsoleSeparator = " | "
		return zapcore.NewConsoleEncoder(cfg)
	}
}

func parseFormat(s string) Format {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatConsole:
		return f
	default:
		return FormatLegacy
	}
}

func parseLevel(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		if strings.EqualFold(strings.TrimSpace(s), "warning") {
			return zapcore.WarnLevel
		}
		return zapcore.InfoLevel
	}
	return l
}

func envString(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(k string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(k)))
	if err != nil || n < 0 {
		return def
	}
	return n
}
