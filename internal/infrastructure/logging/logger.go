package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the host's root logger. Components take named children of it.
type Logger struct {
	*zap.Logger
}

// Config selects the level, encoding and destinations.
type Config struct {
	Level string
	// Development switches to coloured console output with stack traces on warnings
	Development bool
	// OutputPaths are zap sink URLs or file paths; stdout when empty
	OutputPaths []string
}

// New builds a root logger named "worldbuilder".
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
		// startup emits bursts of phase events that sampling would drop
		zc.Sampling = nil
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: logger.Named("worldbuilder")}, nil
}

// NewDefault returns an info-level JSON logger, or a no-op one if stdout
// cannot be opened.
func NewDefault() *Logger {
	return mustOrNop(New(Config{Level: "info"}))
}

// NewDevelopment returns a debug-level console logger.
func NewDevelopment() *Logger {
	return mustOrNop(New(Config{Level: "debug", Development: true}))
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

func mustOrNop(l *Logger, err error) *Logger {
	if err != nil {
		return NewNop()
	}
	return l
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *zap.Logger {
	return l.Logger.Named(name).With(zap.String("component", name))
}

// ParseLevel accepts zap level names in any case.
func ParseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
