package logging

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"strings"
)

// BridgeWriter is an io.Writer that turns stdlib log output into slog
// records. Third-party code that calls log.Printf (tmux helpers, the sqlite
// driver, net/http's ErrorLog) ends up in debug.log with a component field.
type BridgeWriter struct {
	component string
	level     slog.Level
}

// NewBridgeWriter forwards writes at info level. component is used when the
// line carries no "[tag] " prefix.
func NewBridgeWriter(component string) *BridgeWriter {
	return &BridgeWriter{component: component, level: slog.LevelInfo}
}

// NewBridgeWriterLevel is NewBridgeWriter with an explicit level, for
// sources such as http.Server.ErrorLog that only report problems.
func NewBridgeWriterLevel(component string, level slog.Level) *BridgeWriter {
	return &BridgeWriter{component: component, level: level}
}

// Write treats p as one line.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}
	msg = stripLogTimestamp(msg)

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 1 {
			component = canonicalComponent(strings.ToLower(msg[1:idx]))
			msg = msg[idx+2:]
		}
	}

	// Resolved per write so a bridge built before Init still lands in the
	// configured output.
	Logger().Log(context.Background(), bw.level, msg, slog.String("component", component))
	return n, nil
}

// RedirectStdLog points the stdlib default logger at a BridgeWriter and
// drops its own timestamp, since slog adds one.
func RedirectStdLog(component string) {
	log.SetFlags(0)
	log.SetOutput(NewBridgeWriter(component))
}

// NewStdLogger returns a *log.Logger for APIs that need one.
func NewStdLogger(component string, level slog.Level) *log.Logger {
	return log.New(NewBridgeWriterLevel(component, level), "", 0)
}

// stripLogTimestamp removes the prefix written by
// log.Ltime|log.Lmicroseconds ("15:04:05.000000 ") or log.Ltime.
func stripLogTimestamp(s string) string {
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

func canonicalComponent(tag string) string {
	switch tag {
	case "status", "classifier":
		return CompStatus
	case "poll", "poller", "scheduler":
		return CompPoller
	case "tmux", "backend":
		return CompBackend
	case "docker", "sandbox":
		return CompDocker
	case "db", "sqlite", "storage":
		return CompStorage
	case "http", "web", "ws":
		return CompWeb
	case "session", "registry":
		return CompSession
	case "ui":
		return CompUI
	default:
		return tag
	}
}
