// Package console is the stderr logging backend.
package console

import (
	"os"

	"github.com/charmbracelet/log"
)

// Logger writes timestamped, leveled output to stderr via
// charmbracelet/log.
type Logger struct {
	logger *log.Logger
}

// Params configures the console backend.
type Params struct {
	Debug bool
}

// New creates a console backend. Debug lowers the level threshold to
// DEBUG; otherwise INFO.
func New(params Params) *Logger {
	level := log.InfoLevel
	if params.Debug {
		level = log.DebugLevel
	}
	return &Logger{
		logger: log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Level:           level,
		}),
	}
}

func (c *Logger) Debug(message string, keyvals ...any) {
	c.logger.Debug(message, keyvals...)
}

func (c *Logger) Info(message string, keyvals ...any) {
	c.logger.Info(message, keyvals...)
}

func (c *Logger) Warn(message string, keyvals ...any) {
	c.logger.Warn(message, keyvals...)
}

func (c *Logger) Error(message string, keyvals ...any) {
	c.logger.Error(message, keyvals...)
}

func (c *Logger) Fatal(message string, keyvals ...any) {
	c.logger.Fatal(message, keyvals...)
}
