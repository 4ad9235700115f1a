package cube

import "time"

// ModeFlag is the minimum severity a message needs to reach the log.
type ModeFlag uint

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

var (
	// Verbose is set when we want to be exceptionally verbose.
	Verbose bool

	mode ModeFlag
)

// Logger lets the application log at different severities.  The local
// implementation writes a rotating log file; tests can substitute their own.
type Logger interface {
	// Debugf formats its arguments analogous to fmt.Printf and records the
	// text at Debug level.  Not written unless cube.Verbose is set.
	Debugf(format string, args ...interface{})

	// Infof is like Debugf but at Info level, written regardless of
	// verbose mode.
	Infof(format string, args ...interface{})

	// Warningf is like Debugf but at Warning level.
	Warningf(format string, args ...interface{})

	// Errorf is like Debugf but at Error level.
	Errorf(format string, args ...interface{})

	// Criticalf is like Debugf but at Critical level.
	Criticalf(format string, args ...interface{})

	// Shutdown flushes and closes any log files.
	Shutdown()
}

// SetLogMode sets the severity required for a log message to be printed.
// To turn off all logging, use SilentMode.
func SetLogMode(newMode ModeFlag) {
	mode = newMode
}

func Debugf(format string, args ...interface{}) {
	if mode <= DebugMode {
		logger.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if mode <= InfoMode {
		logger.Infof(format, args...)
	}
}

func Warningf(format string, args ...interface{}) {
	if mode <= WarningMode {
		logger.Warningf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if mode <= ErrorMode {
		logger.Errorf(format, args...)
	}
}

func Criticalf(format string, args ...interface{}) {
	if mode <= CriticalMode {
		logger.Criticalf(format, args...)
	}
}

// TimeLog appends elapsed time since its creation to log messages, used to
// track fetch round-trip and extraction times.
type TimeLog struct {
	logger Logger
	start  time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{logger, time.Now()}
}

func (t TimeLog) Debugf(format string, args ...interface{}) {
	if mode <= DebugMode {
		t.logger.Debugf(format+": %s\n", append(args, time.Since(t.start))...)
	}
}

func (t TimeLog) Infof(format string, args ...interface{}) {
	if mode <= InfoMode {
		t.logger.Infof(format+": %s\n", append(args, time.Since(t.start))...)
	}
}

func (t TimeLog) Errorf(format string, args ...interface{}) {
	if mode <= ErrorMode {
		t.logger.Errorf(format+": %s\n", append(args, time.Since(t.start))...)
	}
}
