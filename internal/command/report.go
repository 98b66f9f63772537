package command

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const reportPrefix = "[SERVER] "

// Reporter writes operator diagnostics, one line per call.
type Reporter struct {
	w      io.Writer
	logger *slog.Logger
	mu     sync.Mutex
}

func NewReporter(w io.Writer, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{w: w, logger: logger}
}

// Printf writes a prefixed diagnostic line.
func (r *Reporter) Printf(format string, args ...any) {
	r.write(reportPrefix + fmt.Sprintf(format, args...))
}

// Line writes an unprefixed continuation line, as used by listings.
func (r *Reporter) Line(s string) {
	r.write(s)
}

func (r *Reporter) write(line string) {
	r.logger.Debug("command report", "line", line)
	if r.w == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := io.WriteString(r.w, line+"\n"); err != nil {
		r.logger.Warn("failed to write command report", "error", err)
	}
}
