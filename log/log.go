package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	appLogName    = "fabjobs.log"
	accessLogName = "access.log"
)

var (
	mu           sync.Mutex
	globalLogger = logrus.New()
	accessLogger = logrus.New()
	logDir       string
)

// Setup configures the process wide loggers. With an empty dir the app log
// goes to stderr and the access log to stdout, which is what systemd and
// container runtimes collect.
func Setup(logFormat, dir, logLevel, backtrackLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %s", err)
	}
	btLevel, err := logrus.ParseLevel(backtrackLevel)
	if err != nil {
		return fmt.Errorf("failed to parse backtrack level: %s", err)
	}
	app := logrus.New()
	access := logrus.New()
	if logFormat == "json" {
		app.SetFormatter(&logrus.JSONFormatter{})
		access.SetFormatter(&logrus.JSONFormatter{})
	}
	app.SetLevel(level)
	app.Hooks.Add(NewBackTrackHook(btLevel))

	if dir == "" {
		app.SetOutput(os.Stderr)
		access.SetOutput(os.Stdout)
	} else {
		appOut, accessOut, err := openLogFiles(dir)
		if err != nil {
			return err
		}
		app.SetOutput(appOut)
		access.SetOutput(accessOut)
	}

	mu.Lock()
	globalLogger, accessLogger, logDir = app, access, dir
	mu.Unlock()
	return nil
}

func openLogFiles(dir string) (*os.File, *os.File, error) {
	appOut, err := os.OpenFile(filepath.Join(dir, appLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %s", appLogName, err)
	}
	accessOut, err := os.OpenFile(filepath.Join(dir, accessLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		appOut.Close()
		return nil, nil, fmt.Errorf("failed to create %s: %s", accessLogName, err)
	}
	return appOut, accessOut, nil
}

// ReopenLogs swaps the file handles after logrotate moved the files away.
// It does nothing when logging to the standard streams.
func ReopenLogs() error {
	mu.Lock()
	defer mu.Unlock()
	if logDir == "" {
		return nil
	}
	appOut, accessOut, err := openLogFiles(logDir)
	if err != nil {
		return err
	}
	swap(globalLogger, appOut)
	swap(accessLogger, accessOut)
	return nil
}

func swap(logger *logrus.Logger, out io.Writer) {
	old := logger.Out
	logger.SetOutput(out)
	if c, ok := old.(io.Closer); ok && old != os.Stdout && old != os.Stderr {
		c.Close()
	}
}

func Get() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	return globalLogger
}

func GetAccessLogger() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	return accessLogger
}
