// Package logging provides the component loggers used across simtrace.
package logging

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

const (
	ComponentISO7816   Component = "iso7816"
	ComponentUART      Component = "uart"
	ComponentCardEmu   Component = "cardemu"
	ComponentSniff     Component = "sniff"
	ComponentAPDU      Component = "apdu"
	ComponentBridge    Component = "bridge"
	ComponentReader    Component = "reader"
	ComponentTransport Component = "transport"
	ComponentGSMTAP    Component = "gsmtap"
	ComponentCapture   Component = "capture"
	ComponentDevice    Component = "device"
	ComponentCLI       Component = "cli"
)

// Format specifies the output format for logging.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat maps "text" and "json" to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format %q", s)
}

var (
	level = new(slog.LevelVar)

	mu   sync.RWMutex
	base *slog.Logger
)

func init() {
	level.Set(slog.LevelInfo)
	base = NewLogger(os.Stderr, FormatText)
}

// NewLogger creates a logger writing to w that follows the shared level.
func NewLogger(w io.Writer, format Format) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLevel sets the minimum level of every component logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level returns the current minimum level.
func Level() slog.Level {
	return level.Level()
}

// SetOutput replaces the base logger. Loggers obtained earlier from For
// keep their previous handler.
func SetOutput(w io.Writer, format Format) {
	SetLogger(NewLogger(w, format))
}

// SetLogger replaces the base logger.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
}

// For returns the logger of a component.
func For(c Component) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With("component", string(c))
}

// Discard returns a logger that drops everything, for tests and for
// components created without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Hex renders bytes as upper-case hex.
func Hex(key string, value []byte) slog.Attr {
	return slog.String(key, strings.ToUpper(hex.EncodeToString(value)))
}

// Err renders an error under the "error" key.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}
