// Package logutil builds the node logger and keeps the small printf-style
// helpers used across the code base.
package logutil

import (
    "os"
    "path/filepath"
    "strings"
    "sync"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"
)

// Options select the encoder, level and optional rotating file output.
type Options struct {
    // JSON selects the production JSON encoder instead of the console one.
    JSON bool
    // Level is one of debug, info, warn, error. Default info.
    Level string
    // Dir, when set, adds a rotating <Dir>/<Name>.log file next to stderr.
    Dir  string
    Name string
}

var (
    defMu sync.Mutex
    def   *zap.SugaredLogger
)

// FromEnv reads DYNCONFIG_LOG_JSON=1 or DYNCONFIG_LOG_FORMAT=json and
// DYNCONFIG_LOG_LEVEL.
func FromEnv() Options {
    return Options{
        JSON:  os.Getenv("DYNCONFIG_LOG_JSON") == "1" || os.Getenv("DYNCONFIG_LOG_FORMAT") == "json",
        Level: os.Getenv("DYNCONFIG_LOG_LEVEL"),
    }
}

// New builds a logger. Errors opening the log directory fall back to
// stderr only.
func New(opts Options) *zap.SugaredLogger {
    level := zap.NewAtomicLevelAt(parseLevel(opts.Level))
    var enc zapcore.Encoder
    if opts.JSON {
        cfg := zap.NewProductionEncoderConfig()
        cfg.EncodeTime = zapcore.ISO8601TimeEncoder
        enc = zapcore.NewJSONEncoder(cfg)
    } else {
        cfg := zap.NewDevelopmentEncoderConfig()
        cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
        cfg.EncodeCaller = zapcore.ShortCallerEncoder
        enc = zapcore.NewConsoleEncoder(cfg)
    }
    sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
    if opts.Dir != "" {
        name := opts.Name
        if name == "" { name = "dynconfig" }
        if err := os.MkdirAll(opts.Dir, 0o755); err == nil {
            sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
                Filename:   filepath.Join(opts.Dir, name+".log"),
                MaxSize:    64,
                MaxBackups: 10,
                MaxAge:     30,
                Compress:   true,
            }))
        }
    }
    core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), level)
    return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// Default returns the process logger, built from the environment on first
// use.
func Default() *zap.SugaredLogger {
    defMu.Lock(); defer defMu.Unlock()
    if def == nil { def = New(FromEnv()) }
    return def
}

// SetDefault replaces the process logger.
func SetDefault(l *zap.SugaredLogger) {
    defMu.Lock(); defer defMu.Unlock()
    def = l
}

// Nop discards everything.
func Nop() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// Named returns l (or the default logger) scoped to a component.
func Named(l *zap.SugaredLogger, name string) *zap.SugaredLogger {
    if l == nil { l = Default() }
    return l.Named(name)
}

func Debugf(l *zap.SugaredLogger, f string, args ...any) { or(l).Debugf(f, args...) }
func Infof(l *zap.SugaredLogger, f string, args ...any)  { or(l).Infof(f, args...) }
func Warnf(l *zap.SugaredLogger, f string, args ...any)  { or(l).Warnf(f, args...) }
func Errorf(l *zap.SugaredLogger, f string, args ...any) { or(l).Errorf(f, args...) }

func or(l *zap.SugaredLogger) *zap.SugaredLogger {
    if l == nil { return Default() }
    return l
}

func parseLevel(s string) zapcore.Level {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "debug":
        return zapcore.DebugLevel
    case "warn", "warning":
        return zapcore.WarnLevel
    case "error":
        return zapcore.ErrorLevel
    default:
        return zapcore.InfoLevel
    }
}
