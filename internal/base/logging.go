package base

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FatalError is the panic value raised by Fatalf. The command entry point
// recovers it and exits with a non-zero status; tests recover it to check
// that an invariant violation was detected.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "fatal: " + e.Msg }

var fatalLogger = zap.NewNop().Sugar()

// NewLogger builds the tool's console logger on stderr. Verbose enables
// debug level output.
func NewLogger(verbose bool) *zap.SugaredLogger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}
	logger := zap.Must(zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Encoding:          "console",
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		EncoderConfig:     encoderCfg,
		DisableStacktrace: !verbose,
	}.Build()).Sugar()
	return logger
}

// SetFatalLogger installs the logger Fatalf reports through.
func SetFatalLogger(l *zap.SugaredLogger) {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	fatalLogger = l
}

// Fatalf reports an internal invariant violation and aborts the current
// goroutine by panicking with a *FatalError. It never returns.
func Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fatalLogger.Errorw("fatal", "msg", msg)
	_ = fatalLogger.Sync()
	panic(&FatalError{Msg: msg})
}

// Check calls Fatalf when cond is false.
func Check(cond bool, format string, args ...interface{}) {
	if !cond {
		Fatalf(format, args...)
	}
}

// DCheck is Check in debug builds and a no-op otherwise.
func DCheck(cond bool, format string, args ...interface{}) {
	if IsDebugBuild && !cond {
		Fatalf(format, args...)
	}
}
