// Copyright 2026 The Mech Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mech

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a logger that writes to stderr, and also to every
// sink given, typically a *Log.  Only the console is colored.
func NewLogger(level zapcore.Level, sinks ...zapcore.WriteSyncer) *zap.SugaredLogger {
	console := zap.NewDevelopmentEncoderConfig()
	console.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(console),
			zapcore.Lock(os.Stderr), level),
	}
	for _, s := range sinks {
		plain := zap.NewDevelopmentEncoderConfig()
		plain.TimeKey = ""
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(plain), s, level))
	}
	return zap.New(zapcore.NewTee(cores...)).Sugar()
}
