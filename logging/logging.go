// Package logging sets up the zap logger shared by the commands.
package logging

import (
	"errors"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init initializes the logging subsystem.
func Init(cfg *Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	return initWith(cfg, os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
}

func initWith(cfg *Config, stderr zapcore.WriteSyncer, color bool) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(cfg.Level)

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if color {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(stderr), level),
	}

	if cfg.File != nil {
		w, err := fileWriter(cfg.File)
		if err != nil {
			return nil, zap.AtomicLevel{}, err
		}
		fileEncoderConfig := zap.NewProductionEncoderConfig()
		fileEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileEncoderConfig), zapcore.AddSync(w), level,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	return logger.Sugar(), level, nil
}

func fileWriter(cfg *FileConfig) (io.Writer, error) {
	if cfg.Path == "" {
		return nil, errors.New("failed to initialize logger: file output requires a path")
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}
