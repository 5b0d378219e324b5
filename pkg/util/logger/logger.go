package logger

import (
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger represents the component for writing messages to log.
type Logger = zap.Logger

// NewLogger is a logger's constructor. Log level, encoding and output
// sinks are read from the "logger" section of the viper configuration.
func NewLogger(v *viper.Viper) (*Logger, error) {
	c := zap.NewProductionConfig()
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if v != nil {
		if s := v.GetString("logger.level"); s != "" {
			lvl, err := zapcore.ParseLevel(strings.ToLower(s))
			if err != nil {
				return nil, err
			}
			c.Level = zap.NewAtomicLevelAt(lvl)
		}
		if s := v.GetString("logger.encoding"); s != "" {
			c.Encoding = s
		}
		if p := v.GetStringSlice("logger.output"); len(p) > 0 {
			c.OutputPaths = p
		}
	}

	return c.Build(
		zap.AddStacktrace(zap.NewAtomicLevelAt(zap.FatalLevel)),
	)
}
