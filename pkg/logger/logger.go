// Package logger configures the process-wide logrus logger: console output,
// optional size-rotated file output, level and format from configuration.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the logger sinks. A zero value logs to stdout at info.
type Options struct {
	Level      string // trace|debug|info|warn|error
	Format     string // "json" or "text"
	File       string // path; empty disables the file sink
	MaxSizeMB  int    // rotate after this many megabytes
	MaxBackups int
	MaxAgeDays int
	Console    bool // also write to stdout
}

type rotatingLogger struct {
	mu   sync.Mutex
	log  *logrus.Logger
	file *lumberjack.Logger
}

var global = &rotatingLogger{log: logrus.New()}

// Setup (re)configures the global logger. Safe to call again on reload; the
// previous file sink is closed.
func Setup(opts Options) *logrus.Logger {
	global.mu.Lock()
	defer global.mu.Unlock()

	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	global.log.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		global.log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		global.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if global.file != nil {
		global.file.Close()
		global.file = nil
	}

	var sinks []io.Writer
	if opts.Console || opts.File == "" {
		sinks = append(sinks, os.Stdout)
	}
	if opts.File != "" {
		global.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    max(opts.MaxSizeMB, 1),
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		sinks = append(sinks, global.file)
	}
	global.log.SetOutput(io.MultiWriter(sinks...))
	return global.log
}

// Get returns the global logger.
func Get() *logrus.Logger {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.log
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return Get().WithField("component", name)
}
