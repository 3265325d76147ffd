package jit

import (
	"os"

	"github.com/sirupsen/logrus"
)

// divZeroLog emits the uBPF division-by-zero diagnostic on its own,
// undecorated line: no timestamp, no level prefix, matching the stable
// format external tooling greps for. Ordinary package logging (compile
// diagnostics) goes through the package-level log entry in compile.go
// instead; this one exists solely for the trap line.
var divZeroLog = newBareLogger(os.Stderr)

func newBareLogger(out *os.File) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&bareFormatter{})
	return l
}

type bareFormatter struct{}

func (bareFormatter) Format(e *logrus.Entry) ([]byte, error) {
	return append([]byte(e.Message), '\n'), nil
}

func logDivByZero(pc uint64) {
	divZeroLog.Errorf("uBPF error: division by zero at PC %d", pc)
}
