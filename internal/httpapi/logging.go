package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer; silent until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "http").Logger() }

// loggingLineWriter logs every complete NDJSON line written to it.
type loggingLineWriter struct {
	log       zerolog.Logger
	requestID string
	buf       []byte
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(lw.buf[:idx])
		if len(line) > 0 {
			ev := lw.log.Info().Str("request", lw.requestID)
			if json.Valid(line) {
				ev = ev.RawJSON("update", line)
			} else {
				ev = ev.Bytes("update", line)
			}
			ev.Msg("turn>")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// defaultLogLevel is read once from AI4ALL_HTTP_LOG_LEVEL.
var defaultLogLevel = parseLevel(os.Getenv("AI4ALL_HTTP_LOG_LEVEL"))

// SetDefaultLogLevel changes the level used when a request carries no override.
func SetDefaultLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// logRequest writes one request line if lvl allows it. Errors are logged from
// LevelError up, everything else from LevelInfo up. A zero status marks a
// start line.
func logRequest(r *http.Request, lvl LogLevel, msg string, status int, start time.Time, err error) {
	switch {
	case lvl >= LevelInfo:
	case lvl >= LevelError && err != nil:
	default:
		return
	}
	ev := zlog.Info()
	if err != nil && status >= http.StatusInternalServerError {
		ev = zlog.Error()
	}
	ev = ev.Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	if status != 0 {
		ev = ev.Int("status", status).Dur("dur", time.Since(start))
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}
