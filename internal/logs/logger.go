package logs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log level names accepted in configuration.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Config controls hub logging.
type Config struct {
	Level         string `json:"level"`
	EnableFile    bool   `json:"enableFile"`
	EnableConsole bool   `json:"enableConsole"`
	LogDir        string `json:"logDir,omitempty"`
	Filename      string `json:"filename,omitempty"`
	MaxSize       int    `json:"maxSize,omitempty"`    // MB
	MaxBackups    int    `json:"maxBackups,omitempty"` // rotated files kept
	MaxAge        int    `json:"maxAge,omitempty"`     // days
	Compress      bool   `json:"compress,omitempty"`
	JSONFormat    bool   `json:"jsonFormat,omitempty"`
}

// DefaultConfig returns console-only logging at info level.
func DefaultConfig() *Config {
	return &Config{
		Level:         LogLevelInfo,
		EnableConsole: true,
		Filename:      "mcphub.log",
		MaxSize:       10,
		MaxBackups:    5,
		MaxAge:        30,
		Compress:      true,
	}
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case LogLevelDebug:
		return zap.DebugLevel
	case LogLevelWarn:
		return zap.WarnLevel
	case LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Setup creates the hub logger with console and rotating-file outputs per the
// configuration.
func Setup(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	level := parseLevel(cfg.Level)

	var cores []zapcore.Core
	if cfg.EnableConsole {
		cores = append(cores, zapcore.NewCore(consoleEncoder(), zapcore.AddSync(os.Stderr), level))
	}
	if cfg.EnableFile {
		sink, err := fileSink(cfg, cfg.Filename)
		if err != nil {
			return nil, err
		}
		encoder := fileEncoder()
		if cfg.JSONFormat {
			encoder = jsonEncoder()
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(sink), level))
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("no log outputs configured")
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// NewServerStderrSink returns a rotating writer for one upstream server's
// stderr stream, written to server-<name>.log alongside the main log.
func NewServerStderrSink(cfg *Config, serverName string) (io.WriteCloser, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return fileSink(cfg, fmt.Sprintf("server-%s.log", serverName))
}

func fileSink(cfg *Config, filename string) (*lumberjack.Logger, error) {
	dir := cfg.LogDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve log directory: %w", err)
		}
		dir = filepath.Join(home, ".mcphub", "logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, filename),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}, nil
}

func consoleEncoder() zapcore.Encoder {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func fileEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.ConsoleSeparator = " | "
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func jsonEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}
