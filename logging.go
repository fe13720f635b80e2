package hostsim

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var simLogger = newSimLogger()

func newSimLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(os.Stderr)
	lg.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	lg.SetLevel(logrus.InfoLevel)
	return lg
}

// SetLogger replaces the logger all hosts and the manager write to
func SetLogger(lg *logrus.Logger) {
	if lg != nil {
		simLogger = lg
	}
}

// Logger returns the shared simulation logger
func Logger() *logrus.Logger {
	return simLogger
}

// parseLogLevel accepts logrus level names, and an empty string which means 'inherit'
func parseLogLevel(name string, dflt logrus.Level) logrus.Level {
	if len(name) == 0 {
		return dflt
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(name))
	if err != nil {
		simLogger.Warnf("unrecognized log level %q, using %s", name, dflt)
		return dflt
	}
	return lvl
}

// hostLogger filters messages against a host's own level before handing them to the
// shared logger.  Messages carry the host name and the simulated time.
type hostLogger struct {
	level logrus.Level
	entry *logrus.Entry
}

func createHostLogger(hostname string, level logrus.Level) *hostLogger {
	return &hostLogger{level: level, entry: simLogger.WithField("host", hostname)}
}

func (hl *hostLogger) enabled(lvl logrus.Level) bool {
	return hl != nil && lvl <= hl.level
}

func (hl *hostLogger) logf(now SimTime, lvl logrus.Level, format string, args ...any) {
	if !hl.enabled(lvl) {
		return
	}
	hl.entry.WithField("simtime", now.String()).Logf(lvl, format, args...)
}
