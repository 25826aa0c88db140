// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log configures and exposes a process-global structured logger.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines logger construction parameters.
type Config struct {
	Disabled bool   `yaml:"disabled"`
	Level    string `yaml:"level"`
	Console  bool   `yaml:"console"`
}

func (c Config) build() (*zap.Logger, error) {
	if c.Disabled {
		return zap.NewNop(), nil
	}
	var cfg zap.Config
	if c.Console {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if c.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// New builds a new SugaredLogger from cfg, annotated with fields.
func New(cfg Config, fields map[string]interface{}) (*zap.SugaredLogger, error) {
	l, err := cfg.build()
	if err != nil {
		return nil, err
	}
	sugar := l.Sugar()
	if len(fields) > 0 {
		var args []interface{}
		for k, v := range fields {
			args = append(args, k, v)
		}
		sugar = sugar.With(args...)
	}
	return sugar, nil
}

var (
	mu      sync.RWMutex
	current = mustDefault()
)

func mustDefault() *zap.SugaredLogger {
	l, err := Config{}.build()
	if err != nil {
		panic(err)
	}
	return l.Sugar()
}

// SetGlobal replaces the process-global default logger.
func SetGlobal(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

func global() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// With returns a child of the global logger annotated with the given
// key-value pairs.
func With(args ...interface{}) *zap.SugaredLogger {
	return global().With(args...)
}

// Infof logs at info level against the global logger.
func Infof(template string, args ...interface{}) {
	global().Infof(template, args...)
}

// Errorf logs at error level against the global logger.
func Errorf(template string, args ...interface{}) {
	global().Errorf(template, args...)
}

// Warnf logs at warn level against the global logger.
func Warnf(template string, args ...interface{}) {
	global().Warnf(template, args...)
}

// Debugf logs at debug level against the global logger.
func Debugf(template string, args ...interface{}) {
	global().Debugf(template, args...)
}
