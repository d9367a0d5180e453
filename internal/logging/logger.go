// Package logging builds the leveled logger shared by every command.
// Output goes to stderr and, when a log directory is given, to a
// timestamped file inside it.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Levels accepted by --log_level
var Levels = []string{"DEBUG", "INFO", "WARNING", "ERROR"}

// Options controls logger construction
type Options struct {
	Level   string
	Dir     string
	Program string
	Now     func() time.Time
}

// ParseLevel maps a CLI level name to a zap level
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "", "INFO":
		return zapcore.InfoLevel, nil
	case "WARNING", "WARN":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q (expected one of %s)", name, strings.Join(Levels, ", "))
	}
}

// New builds the logger. The returned path is the log file, empty when no
// directory was requested.
func New(opts Options) (*zap.Logger, string, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, "", err
	}

	encoder := zapcore.NewConsoleEncoder(encoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}

	var logFile string
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, "", fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile = filepath.Join(opts.Dir, FileName(opts.Program, opts.now()))
		writer := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50,
			MaxBackups: 10,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(writer), level))
	}

	return zap.New(zapcore.NewTee(cores...)), logFile, nil
}

// FileName returns the per-run log file name, e.g.
// 2024-05-01_13-45-10_trapper.log
func FileName(program string, now time.Time) string {
	if program == "" {
		program = filepath.Base(os.Args[0])
	}
	return fmt.Sprintf("%s_%s.log", now.Format("2006-01-02_15-04-05"), program)
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// encoderConfig renders "2006-01-02 15:04:05 - INFO - message"
func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	cfg.EncodeLevel = levelEncoder
	cfg.CallerKey = ""
	cfg.ConsoleSeparator = " - "
	return cfg
}

func levelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == zapcore.WarnLevel {
		enc.AppendString("WARNING")
		return
	}
	enc.AppendString(l.CapitalString())
}
