// Package logging builds the process-wide zap logger.
package logging

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger, or a colored console logger when pretty is set.
// An empty level means info.
func New(level string, pretty bool) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
			return nil, errors.Wrapf(err, "log level %q", level)
		}
	}

	var zapConfig zap.Config
	if pretty {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "ts"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	zapConfig.OutputPaths = []string{"stdout"}

	logger, err := zapConfig.Build(zap.AddCaller())
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger.With(zap.String("service", "ceylon-tea-corner")), nil
}
