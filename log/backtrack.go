package log

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// BackTrackHook annotates entries at or above level with the caller's
// file, line and function.
type BackTrackHook struct {
	level logrus.Level
}

func (bt *BackTrackHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= bt.level {
			levels = append(levels, l)
		}
	}
	return levels
}

func (bt *BackTrackHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 8)
	n := runtime.Callers(6, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	file, line, funcName := "unknown", 0, "unknown"
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "github.com/sirupsen/logrus") {
			file, line, funcName = frame.File, frame.Line, frame.Function
			break
		}
		if !more {
			break
		}
	}
	entry.Data["bt_line"] = fmt.Sprintf("%s:%d", file, line)
	entry.Data["bt_func"] = funcName
	return nil
}

func NewBackTrackHook(filteredLevel logrus.Level) logrus.Hook {
	return &BackTrackHook{filteredLevel}
}
