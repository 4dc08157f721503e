package logging

import (
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// DefaultLogger is shared by every service in the application
var DefaultLogger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      "2006-01-02 15:04:05",
	Prefix:          "gradeassist",
})

// Init applies the configured log level. Unknown levels fall back to info.
func Init(level string) {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		DefaultLogger.Warnf("Unknown log level %q, using info", level)
		lvl = log.InfoLevel
	}
	DefaultLogger.SetLevel(lvl)
	DefaultLogger.SetReportCaller(lvl == log.DebugLevel)
}

// IsDebug reports whether debug logging is enabled
func IsDebug() bool {
	return DefaultLogger.GetLevel() <= log.DebugLevel
}
