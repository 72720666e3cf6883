package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (job outcome, configuration)
	LevelLive    = 2 // Live info (state transitions, remote calls)
	LevelVerbose = 3 // Verbose (request details, file paths)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stdout
	logger           = zerolog.Nop()
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (job outcome, configuration)
// 2 = live info (state transitions, remote calls)
// 3 = verbose (request details, file paths)
// 4 = trace (GPIO, very low level)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	rebuild()
}

// SetOutput redirects log output (e.g. to an io.MultiWriter that also feeds SSE clients).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// rebuild must be called with mu held.
func rebuild() {
	if level <= LevelOff {
		logger = zerolog.Nop()
		return
	}
	cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.StampMicro, NoColor: true}
	logger = zerolog.New(cw).With().Timestamp().Str("app", "docscan").Logger().Level(zerologLevel(level))
}

func zerologLevel(l int) zerolog.Level {
	switch {
	case l >= LevelTrace:
		return zerolog.TraceLevel
	case l >= LevelVerbose:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

// Logger returns the structured logger for call sites that attach fields.
func Logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

func emit(minLevel int, ev func(*zerolog.Logger) *zerolog.Event, tag, format string, args ...interface{}) {
	if !IsEnabled(minLevel) {
		return
	}
	ev(Logger()).Str("lvl", tag).Msgf(format, args...)
}

func infoEvent(l *zerolog.Logger) *zerolog.Event  { return l.Info() }
func debugEvent(l *zerolog.Logger) *zerolog.Event { return l.Debug() }
func traceEvent(l *zerolog.Logger) *zerolog.Event { return l.Trace() }

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	emit(LevelInfo, infoEvent, "info", format, args...)
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	emit(LevelInfo, infoEvent, "info", "═══ %s ═══", title)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if !IsEnabled(LevelLive) {
		return
	}
	// zerolog has no level between info and debug, live lines go out as info.
	emit(LevelLive, infoEvent, "live", format, args...)
}

// Transition prints a job state change (level 2).
func Transition(jobID, from, to string) {
	if !IsEnabled(LevelLive) {
		return
	}
	Logger().Info().Str("lvl", "live").Str("job", jobID).Str("from", from).Str("to", to).Msg("state")
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	emit(LevelVerbose, debugEvent, "verbose", format, args...)
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	emit(LevelVerbose, debugEvent, "verbose", "%s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	emit(LevelVerbose, debugEvent, "verbose", "━━━ %s ━━━", name)
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	emit(LevelVerbose, debugEvent, "verbose", "Step %d: %s", num, description)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	emit(LevelInfo, infoEvent, "info", "  %s = %v", name, value)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, GPIO).
func Trace(format string, args ...interface{}) {
	emit(LevelTrace, traceEvent, "trace", format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if !IsEnabled(LevelTrace) {
		return
	}
	Logger().Trace().Str("lvl", "gpio").Str("op", operation).Int("pin", pin).Interface("value", value).Msg("gpio")
}

// --- General functions ---

// Error prints an error (level 1+).
func Error(err error) {
	if err == nil || !IsEnabled(LevelInfo) {
		return
	}
	Logger().Error().Err(err).Msg("error")
}

// Fmt returns a formatted string only if debug is enabled
// (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if Level() > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
