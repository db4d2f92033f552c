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

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// getFileLogWriter returns a rotating WriteSyncer for file output.
func getFileLogWriter(conf *Conf) zapcore.WriteSyncer {
	name := conf.Filename
	if name == "" {
		name = "vesta.log"
	}
	lumberJackLogger := &lumberjack.Logger{
		Filename:   fmt.Sprintf("%s/%s", conf.Path, name),
		MaxSize:    conf.RotateSize,
		MaxBackups: conf.RotateNum,
		MaxAge:     conf.KeepDays,
		Compress:   true,
	}
	return zapcore.AddSync(lumberJackLogger)
}
