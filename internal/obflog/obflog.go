// Package obflog is the pipeline's leveled logger. It mirrors the source
// tool's env_logger-style rendering (level, component tag, message) but is
// built on log/slog with a small custom handler instead of pulling in a
// Rust-shaped logging crate; see DESIGN.md for why no ecosystem structured
// logger was available to wire here.
package obflog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
)

// Level mirrors the CLI's -v/-vv/-vvv/-q contract (section 6).
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func LevelFromVerbosity(verbose int, quiet bool) Level {
	if quiet {
		return LevelError
	}
	switch {
	case verbose <= 0:
		return LevelInfo
	case verbose == 1:
		return LevelDebug
	default:
		return LevelTrace
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelInfo:
		return slog.LevelInfo
	default:
		// Debug and Trace both map to slog.LevelDebug here; Init lowers the
		// threshold further to levelTrace for Trace so trace records pass.
		return slog.LevelDebug
	}
}

const levelTrace = slog.Level(-8)

// minLevel is the process-wide log threshold, shared by every component's
// handler so that a later Init call (cmd/obfuscator's run, once it has
// parsed -v/-vv/-vvv/-q) changes what every already-constructed package-level
// `var log = obflog.For(...)` emits. atomic.Int64's zero value is 0, which
// equals slog.LevelInfo, so the default before Init ever runs is Info.
var minLevel atomic.Int64

var sharedOut io.Writer = os.Stdout
var sharedMu sync.Mutex

// handler renders "LEVEL [component] message" with the level colorized,
// matching original_source/crates/common/src/logger.rs's format string.
type handler struct {
	out       io.Writer
	min       *atomic.Int64
	component string
	mu        *sync.Mutex
}

func newHandler(out io.Writer, min *atomic.Int64) *handler {
	return &handler{out: out, min: min, mu: &sharedMu}
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return int64(level) >= h.min.Load()
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	label, colorFn := levelLabel(r.Level)
	component := h.component
	if component == "" {
		component = "obfuscator"
	}
	line := fmt.Sprintf("%s [%s] %s", colorFn(label), component, r.Message)
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.out, line)
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// Attrs set this way are rare in this codebase (components log through
	// With(component) instead); fold them into the message prefix lazily is
	// unnecessary complexity we don't need, so just keep the same handler.
	return h
}

func (h *handler) WithGroup(name string) slog.Handler { return h }

func levelLabel(level slog.Level) (string, func(a ...interface{}) string) {
	switch {
	case level >= slog.LevelError:
		return "ERROR", color.New(color.FgRed).SprintFunc()
	case level >= slog.LevelWarn:
		return "WARN", color.New(color.FgYellow).SprintFunc()
	case level >= slog.LevelInfo:
		return "INFO", color.New(color.FgGreen).SprintFunc()
	case level >= slog.LevelDebug:
		return "DEBUG", color.New(color.FgCyan).SprintFunc()
	default:
		return "TRACE", color.New(color.FgMagenta).SprintFunc()
	}
}

// Logger is a thin per-component wrapper around *slog.Logger.
type Logger struct {
	inner *slog.Logger
}

// Init sets the process-wide log threshold. Every Logger already handed out
// by For, plus every one handed out later, reads this same threshold on each
// call, so Init can be called once flags are parsed even though package-level
// `var log = obflog.For(component)` declarations ran during package init,
// long before main's flag parsing (mirrors Logger::ensure_init in
// original_source, minus its one-shot restriction: the CLI's -v/-vv/-vvv/-q
// flags must actually take effect, not just the first caller's default).
func Init(level Level) {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
	threshold := level.slogLevel()
	if level == LevelTrace {
		threshold = levelTrace
	}
	minLevel.Store(int64(threshold))
}

// For marks the component name a logger's output is tagged with, e.g.
// For("decode"), For("passes"), For("patch").
func For(component string) *Logger {
	h := newHandler(sharedOut, &minLevel)
	h.component = component
	return &Logger{inner: slog.New(h)}
}

func (l *Logger) Trace(msg string, args ...any) { l.inner.Log(context.Background(), levelTrace, msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.inner.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.inner.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

// Fraction renders a before/after instruction-count delta the way
// original_source/crates/core/src/obfuscator.rs logs per-function change,
// e.g. "12 -> 27 instructions (125% change)".
func Fraction(before, after int) string {
	if before == 0 {
		return fmt.Sprintf("%d -> %d instructions (0%% change)", before, after)
	}
	pct := int(float64(after)/float64(before)*100) - 100
	return fmt.Sprintf("%d -> %d instructions (%d%% change)", before, after, pct)
}

// stripANSI returns s with its ANSI escape sequences (ESC up to the closing
// 'm') removed. Nothing in the repository calls it at present.
func stripANSI(s string) string {
	var b strings.Builder
	inEsc := false
	for _, r := range s {
		if r == '\x1b' {
			inEsc = true
			continue
		}
		if inEsc {
			if r == 'm' {
				inEsc = false
			}
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
