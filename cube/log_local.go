package cube

import (
	"fmt"
	"log"

	"github.com/natefinch/lumberjack"
)

type localLogger struct {
	*lumberjack.Logger
}

var logger Logger = localLogger{}

// LogConfig configures the rotating log file for a visualization session.
type LogConfig struct {
	Logfile string `toml:"logfile"`
	MaxSize int    `toml:"max_log_size"` // megabytes
	MaxAge  int    `toml:"max_log_age"`  // days
}

// SetLogger routes log output to a rotating log file.  With no Logfile
// configured, messages go to stdout through the standard log package.
func (c *LogConfig) SetLogger() {
	if c == nil || c.Logfile == "" {
		Infof("Sending log messages to stdout since no log file specified.")
		return
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge,
	}
	log.SetOutput(l)
	logger = localLogger{l}
}

// SetCustomLogger substitutes a custom Logger implementation, mainly for
// tests that want to capture output.
func SetCustomLogger(l Logger) {
	if l != nil {
		logger = l
	}
}

// --- Logger implementation ----

func (llog localLogger) Debugf(format string, args ...interface{}) {
	if Verbose {
		log.Printf(" DEBUG "+format, args...)
	}
}

func (llog localLogger) Infof(format string, args ...interface{}) {
	log.Printf(" INFO "+format, args...)
}

func (llog localLogger) Warningf(format string, args ...interface{}) {
	log.Printf(" WARNING "+format, args...)
}

func (llog localLogger) Errorf(format string, args ...interface{}) {
	log.Printf(" ERROR "+format, args...)
}

func (llog localLogger) Criticalf(format string, args ...interface{}) {
	log.Printf(" CRITICAL "+format, args...)
}

func (llog localLogger) Shutdown() {
	if llog.Logger != nil {
		llog.Close()
	}
}
