package logx

import (
	"log"
	"strings"
)

// StdLogger adapts l for APIs that want a *log.Logger (e.g. http.Server's
// ErrorLog). Each line is logged at warn level.
func StdLogger(l Logger) *log.Logger {
	return log.New(stdWriter{l: l}, "", 0)
}

type stdWriter struct{ l Logger }

func (w stdWriter) Write(p []byte) (int, error) {
	w.l.Warn(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
