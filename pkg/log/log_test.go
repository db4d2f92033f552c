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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetDefaults(t *testing.T) {
	conf := SetDefaults()
	assert.Equal(t, "stdout", conf.Output)
	assert.Equal(t, "INFO", conf.Level)
	assert.Equal(t, 100, conf.RotateSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		conf    *Conf
		wantErr bool
	}{
		{name: "stdout needs nothing", conf: &Conf{Output: "stdout"}, wantErr: false},
		{name: "file without path", conf: &Conf{Output: "file"}, wantErr: true},
		{name: "file with path", conf: &Conf{Output: "file", Path: t.TempDir()}, wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.conf.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateFillsRotation(t *testing.T) {
	conf := &Conf{Output: "file", Path: t.TempDir()}
	require.NoError(t, conf.Validate())
	assert.Equal(t, 100, conf.RotateSize)
	assert.Equal(t, 10, conf.RotateNum)
	assert.Equal(t, 7, conf.KeepDays)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLogLevel("debug"))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel("INFO"))
	assert.Equal(t, zapcore.WarnLevel, parseLogLevel(" warning "))
	assert.Equal(t, zapcore.ErrorLevel, parseLogLevel("Error"))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel("bogus"))
}

func TestInitAndSetLevel(t *testing.T) {
	require.NoError(t, Init(SetDefaults()))
	require.NotNil(t, GetLogger())

	SetLevel("debug")
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	SetLevel("error")
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestGlobalILogger(t *testing.T) {
	require.NoError(t, Init(SetDefaults()))
	var l ILogger = Global()
	l.Infow("engine started", "component", "test")
	l.Debugw("noop at info level")
}
