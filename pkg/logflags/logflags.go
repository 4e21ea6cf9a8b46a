// Package logflags configures the loggers used by the various layers of
// the monitor. Each layer gets its own logrus logger which stays silent
// unless enabled through the --log-output flag.
package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var kernel = false
var paging = false
var monitor = false
var symbols = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Kernel returns true if the kernel image layer should log.
func Kernel() bool {
	return kernel
}

// KernelLogger returns a logger for the kernel image layer.
func KernelLogger() *logrus.Entry {
	return makeLogger(kernel, logrus.Fields{"layer": "kernel"})
}

// Paging returns true if page-table walks should be logged.
func Paging() bool {
	return paging
}

// PagingLogger returns a logger for page-table walks.
func PagingLogger() *logrus.Entry {
	return makeLogger(paging, logrus.Fields{"layer": "kernel", "kind": "paging"})
}

// Monitor returns true if the monitor command layer should log.
func Monitor() bool {
	return monitor
}

// MonitorLogger returns a logger for the monitor command layer.
func MonitorLogger() *logrus.Entry {
	return makeLogger(monitor, logrus.Fields{"layer": "monitor"})
}

// Symbols returns true if symbol resolution should be logged.
func Symbols() bool {
	return symbols
}

// SymbolsLogger returns a logger for symbol resolution.
func SymbolsLogger() *logrus.Entry {
	return makeLogger(symbols, logrus.Fields{"layer": "symbols"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logger flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "monitor"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "kernel":
			kernel = true
		case "paging":
			paging = true
		case "monitor":
			monitor = true
		case "symbols":
			symbols = true
		}
	}
	return nil
}
