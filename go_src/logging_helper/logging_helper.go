package logging_helper

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"futuresdash/go_src/configuration"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultRotationSizeMB = 2
	defaultMaxBackups     = 30
)

// SetupLogging points the global logrus logger at <file_path>/<appName>/<appName>.log,
// rotated by lumberjack and optionally copied to stdout. The returned closer
// releases the log file and should be closed on shutdown.
func SetupLogging(config *configuration.Config, appName string) (io.Closer, error) {
	if config == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if appName == "" {
		return nil, fmt.Errorf("appName cannot be empty")
	}
	logConfig := config.Logging

	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	level, errLevel := logrus.ParseLevel(strings.ToLower(logConfig.Level))
	if errLevel != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	fileLogger, err := newFileLogger(logConfig, appName)
	if err != nil {
		logrus.Error(err.Error())
		return nil, err
	}

	var writers []io.Writer
	if logConfig.ConsoleOutput {
		writers = append(writers, os.Stdout)
	}
	writers = append(writers, fileLogger)
	logrus.SetOutput(io.MultiWriter(writers...))

	// Warnings below go to the configured outputs.
	if logConfig.RotationSize <= 0 {
		fileLogger.MaxSize = defaultRotationSizeMB
		logrus.Warnf("logConfig.RotationSize is invalid (%d), defaulting to %dMB", logConfig.RotationSize, defaultRotationSizeMB)
	}
	if logConfig.MaxBackups <= 0 {
		fileLogger.MaxBackups = defaultMaxBackups
		logrus.Warnf("logConfig.MaxBackups is invalid (%d), defaulting to %d", logConfig.MaxBackups, defaultMaxBackups)
	}
	if errLevel != nil {
		logrus.Warnf("Invalid log level '%s' (from config) was overridden to 'info'. Error: %v", logConfig.Level, errLevel)
	}

	logrus.Infof("-------------------------------- Started %s %s --------------------------------", appName, config.GlobalSettings.Version)
	logrus.Infof("Logging configured: Level=%s, File=%s, ConsoleOutput=%t", logrus.GetLevel().String(), fileLogger.Filename, logConfig.ConsoleOutput)

	return fileLogger, nil
}

func newFileLogger(logConfig configuration.Logging, appName string) (*lumberjack.Logger, error) {
	if logConfig.FilePath == "" {
		return nil, fmt.Errorf("log_path (config.Logging.FilePath) is not configured")
	}
	logDir := filepath.Join(logConfig.FilePath, appName)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory '%s': %w", logDir, err)
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(logDir, appName+".log"),
		MaxSize:    logConfig.RotationSize,
		MaxBackups: logConfig.MaxBackups,
		Compress:   true,
	}, nil
}
