package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
)

// DynamicLogger is a zap.Logger whose per-output levels can be changed at runtime.
// The gateway starts at INFO so startup is always visible, then drops to the configured level.
type DynamicLogger struct {
	*zap.Logger
	consoleLevel *zap.AtomicLevel
	fileLevel    *zap.AtomicLevel
	configured   configtypes.LogConfig
}

// SwitchToConfiguredLevel applies the configured levels
func (dl *DynamicLogger) SwitchToConfiguredLevel() {
	global := parseLogLevel(dl.configured.Level)

	dl.Info("Switching logger to configured level", zap.String("level", dl.configured.Level))

	if dl.consoleLevel != nil {
		dl.consoleLevel.SetLevel(resolveLogLevel(dl.configured.Console.Level, global))
	}
	if dl.fileLevel != nil {
		dl.fileLevel.SetLevel(resolveLogLevel(dl.configured.File.Level, global))
	}
}

// EnsureInfoLevelForShutdown lowers every output to INFO so the shutdown sequence is logged
func (dl *DynamicLogger) EnsureInfoLevelForShutdown() {
	changed := lowerTo(dl.consoleLevel, zap.InfoLevel)
	changed = lowerTo(dl.fileLevel, zap.InfoLevel) || changed

	if changed {
		dl.Info("Switched to INFO level for shutdown visibility")
	}
}

// Component returns a child logger tagged with a component name
func (dl *DynamicLogger) Component(name string) *zap.Logger {
	return dl.Logger.With(zap.String("component", name))
}

func lowerTo(level *zap.AtomicLevel, target zapcore.Level) bool {
	if level == nil || level.Level() <= target {
		return false
	}
	level.SetLevel(target)
	return true
}

// NewLogger builds a logger with console and/or rotating file outputs
func NewLogger(config configtypes.LogConfig) (*DynamicLogger, error) {
	global := parseLogLevel(config.Level)
	dl := &DynamicLogger{configured: config}

	var cores []zapcore.Core

	if config.Console.Enabled {
		level := zap.NewAtomicLevelAt(resolveLogLevel(config.Console.Level, global))
		dl.consoleLevel = &level
		cores = append(cores, zapcore.NewCore(createEncoder(config.Console.Format), zapcore.Lock(os.Stdout), level))
	}

	if config.File.Enabled {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file.path must be specified when file logging is enabled")
		}
		level := zap.NewAtomicLevelAt(resolveLogLevel(config.File.Level, global))
		dl.fileLevel = &level
		cores = append(cores, zapcore.NewCore(createEncoder(config.File.Format), createFileWriter(config.File.Path, config.File.Rotation), level))
	}

	switch len(cores) {
	case 0:
		return nil, fmt.Errorf("at least one log output (console or file) must be enabled")
	case 1:
		dl.Logger = zap.New(cores[0])
	default:
		dl.Logger = zap.New(zapcore.NewTee(cores...))
	}

	return dl, nil
}

// NewLoggerWithStartupOverride starts at INFO when the configured level is quieter,
// keeping the configured levels for SwitchToConfiguredLevel.
func NewLoggerWithStartupOverride(config configtypes.LogConfig) (*DynamicLogger, error) {
	if parseLogLevel(config.Level) <= zap.InfoLevel {
		return NewLogger(config)
	}

	startup := config
	startup.Level = configtypes.LogLevelInfo
	if startup.Console.Enabled && startup.Console.Level == "" {
		startup.Console.Level = configtypes.LogLevelInfo
	}
	if startup.File.Enabled && startup.File.Level == "" {
		startup.File.Level = configtypes.LogLevelInfo
	}

	dl, err := NewLogger(startup)
	if err != nil {
		return nil, err
	}
	dl.configured = config

	return dl, nil
}

// NewDefaultLogger is used before the config file has been read
func NewDefaultLogger() (*DynamicLogger, error) {
	return NewLogger(configtypes.LogConfig{
		Level: configtypes.LogLevelDebug,
		Console: configtypes.ConsoleLogConfig{
			Enabled: true,
			Format:  configtypes.LogFormatConsole,
		},
	})
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case configtypes.LogLevelDebug:
		return zap.DebugLevel
	case configtypes.LogLevelWarn:
		return zap.WarnLevel
	case configtypes.LogLevelError:
		return zap.ErrorLevel
	case configtypes.LogLevelDPanic:
		return zap.DPanicLevel
	case configtypes.LogLevelPanic:
		return zap.PanicLevel
	case configtypes.LogLevelFatal:
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// resolveLogLevel prefers the per-output level over the global one
func resolveLogLevel(outputLevel string, global zapcore.Level) zapcore.Level {
	if outputLevel != "" {
		return parseLogLevel(outputLevel)
	}
	return global
}

func createEncoder(format string) zapcore.Encoder {
	if format == configtypes.LogFormatJSON {
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if format == configtypes.LogFormatText {
		// no color codes in files
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zapcore.NewConsoleEncoder(encoderConfig)
}

func createFileWriter(path string, rotation configtypes.RotationConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSize,
		MaxAge:     rotation.MaxAge,
		MaxBackups: rotation.MaxBackups,
		Compress:   rotation.Compress,
	})
}
