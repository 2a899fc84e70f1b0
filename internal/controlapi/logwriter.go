package controlapi

import (
	"strings"

	"github.com/edgefog/agentd/internal/log"
)

// logWriter adapts internal/log.Logger to the io.Writer
// gorilla/handlers.CombinedLoggingHandler writes Apache-style access log
// lines to.
type logWriter struct {
	log log.Logger
}

func newLogWriter(l log.Logger) *logWriter {
	return &logWriter{log: l}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Infow("controlapi: access", "line", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
