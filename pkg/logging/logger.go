package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stockfeed/stockfeed/pkg/config"
)

// Logger is the application logger
var Logger *zap.Logger

// InitLogger initializes the logger with the given configuration
func InitLogger(cfg *config.LoggingConfig) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	switch {
	case cfg.Format == "text":
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if cfg.File != "" {
			encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case cfg.ScalyrFormat:
		encoder = NewScalyrEncoder(zap.NewProductionEncoderConfig())
	default:
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	Logger = zap.New(
		zapcore.NewCore(encoder, newSink(cfg), level),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return nil
}

// newSink writes to stdout, and additionally to a rotated file when one is configured.
func newSink(cfg *config.LoggingConfig) zapcore.WriteSyncer {
	stdout := zapcore.AddSync(os.Stdout)
	if cfg.File == "" {
		return stdout
	}
	file := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
	return zapcore.NewMultiWriteSyncer(stdout, file)
}

// GetLogger returns the global logger, falling back to zap's production
// logger before InitLogger has run
func GetLogger() *zap.Logger {
	if Logger == nil {
		Logger, _ = zap.NewProduction()
	}
	return Logger
}

// WithComponent returns a child logger tagged with the component name
func WithComponent(component string) *zap.Logger {
	return GetLogger().With(zap.String("component", component))
}

