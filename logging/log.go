// Package logging builds the zap logger every component logs through.
// Entries go to stdout and to the configured log file.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultFile = "carbon.log"

// New returns a logger writing to stdout and file at the given level.
func New(level, file string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	outputs := []string{"stdout"}
	if file != "" {
		outputs = append(outputs, file)
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder.EncodeLevel = zapcore.CapitalLevelEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "console",
		EncoderConfig:    encoder,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

// RequestLog records one served exchange.
func RequestLog(log *zap.Logger, method, url, protocol, host string, status int) {
	log.Info(method+" "+url+" "+protocol,
		zap.String("host", host),
		zap.Int("status", status))
}

func ErrorLog(log *zap.Logger, err error, fields ...zap.Field) {
	log.Error("Error: "+err.Error(), fields...)
}
