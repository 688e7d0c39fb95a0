package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var agent = false
var gdbWire = false
var breakpoints = false
var threads = false
var hooks = false
var board = false

var logOut io.WriteCloser

// textFormatterInstance is shared by every logger created by this package.
var textFormatterInstance = &textFormatter{}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = defaultOutput()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

func defaultOutput() io.Writer {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		textFormatterInstance.colors = true
		return colorable.NewColorableStderr()
	}
	return os.Stderr
}

// GdbWire returns true if the stub should log all the packets exchanged
// with the host debugger.
func GdbWire() bool {
	return gdbWire
}

// SetGdbWire toggles wire logging at runtime (used by the 'log' monitor
// command).
func SetGdbWire(v bool) {
	gdbWire = v
}

// GdbWireLogger returns a configured logger for the wire protocol.
func GdbWireLogger() Logger {
	return makeFlaggableLogger(gdbWire, Fields{"layer": "gdbwire"})
}

// Agent returns true if the agent entry point and the dispatcher should log.
func Agent() bool {
	return agent
}

// AgentLogger returns a logger for the agent and dispatcher.
func AgentLogger() Logger {
	return makeFlaggableLogger(agent, Fields{"layer": "agent"})
}

// Breakpoints returns true if breakpoint insertion and removal should be
// logged.
func Breakpoints() bool {
	return breakpoints
}

// BreakpointsLogger returns a logger for the breakpoint manager.
func BreakpointsLogger() Logger {
	return makeFlaggableLogger(breakpoints, Fields{"layer": "breakpoints"})
}

// Threads returns true if the thread extension should log.
func Threads() bool {
	return threads
}

// ThreadsLogger returns a logger for the thread extension.
func ThreadsLogger() Logger {
	return makeFlaggableLogger(threads, Fields{"layer": "threads"})
}

// Hooks returns true if calls into scripted extension hooks should be
// logged.
func Hooks() bool {
	return hooks
}

func HooksLogger() Logger {
	return makeFlaggableLogger(hooks, Fields{"layer": "hooks", "kind": "starlark"})
}

// Board returns true if the simulated board should log.
func Board() bool {
	return board
}

func BoardLogger() Logger {
	return makeFlaggableLogger(board, Fields{"layer": "board"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets stub flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "gdbstub-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "agent"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "agent":
			agent = true
		case "gdbwire":
			gdbWire = true
		case "breakpoints":
			breakpoints = true
		case "threads":
			threads = true
		case "hooks":
			hooks = true
		case "board":
			board = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'gdbstub help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter formats log entries as a single line: timestamp, level,
// layer and message followed by the remaining fields in sorted order.
type textFormatter struct {
	colors bool
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteByte(' ')
	level := entry.Level.String()
	if f.colors {
		level = colorize(entry.Level, level)
	}
	b.WriteString(level)
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(&b, " layer=%v", layer)
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "layer" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func colorize(level logrus.Level, s string) string {
	var code int
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		code = 37
	case logrus.WarnLevel:
		code = 33
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		code = 31
	default:
		code = 36
	}
	return fmt.Sprintf("\x1b[%dm%s\x1b[0m", code, s)
}
