package logging

import (
	"fmt"
	"path/filepath"
	"time"
)

// LogFilePath builds the path of a run's log file, one file per start.
func LogFilePath(logsDir, name string, started time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", name, started.UTC().Format("20060102_150405")),
	)
}
