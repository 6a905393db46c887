package platform

import (
	"strings"

	"github.com/charmbracelet/log"
)

// logWriter forwards command output to the debug log.
type logWriter struct {
	logger *log.Logger
	source string
}

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.logger.Debug("command output", "source", w.source, "line", line)
		}
	}
	return len(p), nil
}
