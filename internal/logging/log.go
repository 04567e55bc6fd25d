// Package logging builds the daemon's zap.Logger, adapted from the
// upstream proxy's utils/log.go: a lumberjack-backed rotating file core,
// plus (unlike the upstream, which ran headless under a process
// supervisor) a stdout core for interactive/dry-run use.
package logging

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// Options configures New.
type Options struct {
	Level string // debug|info|warn|error|dpanic|panic|fatal, default info
	Path  string // empty disables the rotating file core
	// Console, when true, additionally logs to stdout. Meant for
	// foreground/dry-run use; daemonized deployments normally leave it off
	// and rely on the file core plus external log shipping.
	Console bool
}

// New builds a zap.Logger per opts.
func New(opts Options) *zap.Logger {
	level, ok := levelMap[opts.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= level })

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core

	if opts.Path != "" {
		hook := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    1024,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(hook), enabler))
	}

	if opts.Console || opts.Path == "" {
		consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), enabler))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}
