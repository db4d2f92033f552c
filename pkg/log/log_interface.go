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

// ILogger is the logging surface handed to libraries that accept a logger
// (asynq, gorm, cron). The global logger satisfies it via Global().
type ILogger interface {
	Info(args ...any)
	Infow(msg string, keysAndValues ...any)

	Debug(args ...any)
	Debugw(msg string, keysAndValues ...any)

	Warn(args ...any)
	Warnw(msg string, keysAndValues ...any)

	Error(args ...any)
	Errorw(msg string, keysAndValues ...any)
}

type globalLogger struct{}

func (globalLogger) Info(args ...any)                      { sugar.Info(args...) }
func (globalLogger) Infow(msg string, kv ...any)           { sugar.Infow(msg, kv...) }
func (globalLogger) Debug(args ...any)                     { sugar.Debug(args...) }
func (globalLogger) Debugw(msg string, kv ...any)          { sugar.Debugw(msg, kv...) }
func (globalLogger) Warn(args ...any)                      { sugar.Warn(args...) }
func (globalLogger) Warnw(msg string, kv ...any)           { sugar.Warnw(msg, kv...) }
func (globalLogger) Error(args ...any)                     { sugar.Error(args...) }
func (globalLogger) Errorw(msg string, keysAndValues ...any) { sugar.Errorw(msg, keysAndValues...) }

// Global returns an ILogger backed by the package logger.
func Global() ILogger {
	return globalLogger{}
}
