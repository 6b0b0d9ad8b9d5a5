// Cloudillo
// Copyright (C) 2025 The Cloudillo Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package utils holds small shared helpers with no domain knowledge.
package utils

import (
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo"
)

// InitLogger installs the default process logger. Format is "text" or
// "json", level one of debug, info, warn, error.
func InitLogger(format, level string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return trace.BadParameter("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return trace.BadParameter("invalid log format %q", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// NewLogger returns a logger tagged with the given component name.
func NewLogger(component string) *slog.Logger {
	return slog.With(cloudillo.ComponentKey, component)
}
