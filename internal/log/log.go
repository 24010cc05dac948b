// Package log constructs the single *zap.Logger used across the engine,
// following the teacher's direct zap usage in plugin/evm/vm.go (zap.Error,
// zap.String, zap.Uint64, zap.Any field constructors) rather than a
// package-global logger.
package log

import (
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// New builds a production-style zap.Logger. If logFile is empty, output
// goes to stderr (color-enabled when it's a terminal); otherwise it rotates
// through lumberjack.
func New(level, logFile string) (*zap.Logger, error) {
	lvl := parseLevel(level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var writer zapcore.WriteSyncer
	var encoder zapcore.Encoder
	if logFile != "" {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		out := os.Stderr
		if isatty.IsTerminal(out.Fd()) {
			writer = zapcore.AddSync(colorable.NewColorable(out))
			encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			writer = zapcore.AddSync(out)
		}
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, writer, lvl)
	return zap.New(core, zap.AddCaller()), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
