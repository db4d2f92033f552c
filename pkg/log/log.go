// Copyright 2025 Vesta Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	level  zap.AtomicLevel
)

// Conf holds logger configuration options.
type Conf struct {
	Output     string `mapstructure:"output"`     // stdout or file
	Path       string `mapstructure:"path"`       // directory for file output
	Filename   string `mapstructure:"filename"`   // file name for file output
	Level      string `mapstructure:"level"`      // debug, info, warn, error, fatal
	KeepDays   int    `mapstructure:"keepDays"`   // rotated file retention in days
	RotateSize int    `mapstructure:"rotateSize"` // max size of a single file in MB
	RotateNum  int    `mapstructure:"rotateNum"`  // number of rotated files to keep
}

// SetDefaults returns a Conf with sane defaults.
func SetDefaults() *Conf {
	return &Conf{
		Output:     "stdout",
		Path:       "./logs",
		Filename:   "vesta.log",
		Level:      "INFO",
		KeepDays:   7,
		RotateSize: 100,
		RotateNum:  10,
	}
}

// Validate checks the configuration and fills missing rotation values.
func (c *Conf) Validate() error {
	if c.Output == "file" {
		if c.Path == "" {
			return fmt.Errorf("log path is required when output is 'file'")
		}
		if c.RotateSize <= 0 {
			c.RotateSize = 100
		}
		if c.RotateNum <= 0 {
			c.RotateNum = 10
		}
		if c.KeepDays <= 0 {
			c.KeepDays = 7
		}
	}
	return nil
}

// New builds a zap.Logger from conf and installs it as the package logger.
func New(conf *Conf) (*zap.Logger, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid log config: %w", err)
	}

	var writeSyncer zapcore.WriteSyncer
	switch conf.Output {
	case "file":
		writeSyncer = getFileLogWriter(conf)
	default:
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	atomic := zap.NewAtomicLevelAt(parseLogLevel(conf.Level))
	core := zapcore.NewCore(getEncoder(), writeSyncer, atomic)

	newLogger := zap.New(core, zap.AddCallerSkip(1), zap.AddCaller())

	mu.Lock()
	logger = newLogger
	sugar = newLogger.Sugar()
	level = atomic
	mu.Unlock()

	return newLogger, nil
}

// Init initializes the package logger.
func Init(conf *Conf) error {
	_, err := New(conf)
	return err
}

// MustInit initializes the package logger or panics.
func MustInit(conf *Conf) {
	if err := Init(conf); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
}

// GetLogger returns the package SugaredLogger.
func GetLogger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// SetLevel changes the level of the package logger at runtime. Used by the
// config watcher so a level change does not require a restart.
func SetLevel(l string) {
	mu.RLock()
	defer mu.RUnlock()
	level.SetLevel(parseLogLevel(l))
}

// Sync flushes buffered entries. Call on shutdown.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return nil
	}
	return logger.Sync()
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	encoderConfig.TimeKey = "time"
	encoderConfig.LevelKey = "level"
	encoderConfig.CallerKey = "caller"
	encoderConfig.MessageKey = "msg"
	encoderConfig.StacktraceKey = "stacktrace"
	encoderConfig.LineEnding = zapcore.DefaultLineEnding
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeTime = customTimeEncoder
	encoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoderConfig.EncodeName = zapcore.FullNameEncoder

	return zapcore.NewConsoleEncoder(encoderConfig)
}

// customTimeEncoder formats the time as 2006-01-02 15:04:05.
func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05"))
}

// parseLogLevel converts a string level to a zapcore.Level.
// Matching is case-insensitive; unknown levels fall back to INFO.
func parseLogLevel(level string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "FATAL":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
