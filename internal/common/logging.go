package common

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/philippevezina/table-loader/internal/config"
)

const serviceName = "table-loader"

// Version is stamped at build time with -ldflags "-X .../internal/common.Version=v1.2.3".
var Version = ""

func GetVersion() string {
	if Version != "" {
		return Version
	}
	if version := os.Getenv("TABLE_LOADER_VERSION"); version != "" {
		return version
	}
	return "dev"
}

func LoggerWithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// LoggerCore holds the pieces of a logger before it is built, so the core
// can be wrapped (New Relic forwarding) first.
type LoggerCore struct {
	Core          zapcore.Core
	EncoderCfg    zapcore.EncoderConfig
	Level         zapcore.Level
	InitialFields map[string]interface{}
}

func NewLoggerCore(cfg *config.LoggingConfig) (*LoggerCore, error) {
	var encoderCfg zapcore.EncoderConfig
	switch cfg.Format {
	case "console":
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	default:
		encoderCfg = zap.NewProductionEncoderConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", cfg.Level, err)
	}

	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.MessageKey = "message"
	encoderCfg.LevelKey = "level"
	encoderCfg.CallerKey = "caller"

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	writeSyncer, err := logWriter(cfg)
	if err != nil {
		return nil, err
	}

	return &LoggerCore{
		Core:       zapcore.NewCore(encoder, writeSyncer, level),
		EncoderCfg: encoderCfg,
		Level:      level,
		InitialFields: map[string]interface{}{
			"service": serviceName,
			"version": GetVersion(),
		},
	}, nil
}

func logWriter(cfg *config.LoggingConfig) (zapcore.WriteSyncer, error) {
	switch cfg.OutputPath {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}

	if cfg.MaxSize > 0 || cfg.MaxBackups > 0 || cfg.MaxAge > 0 {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.OutputPath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  cfg.LocalTime,
		}), nil
	}

	file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return zapcore.AddSync(file), nil
}

// BuildLogger creates the final logger from core, which may be a wrapped
// version of lc.Core.
func (lc *LoggerCore) BuildLogger(core zapcore.Core) *zap.Logger {
	logger := zap.New(core, zap.AddCaller())
	for k, v := range lc.InitialFields {
		logger = logger.With(zap.Any(k, v))
	}
	return logger
}
