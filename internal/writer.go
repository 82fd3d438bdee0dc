package internal

import (
	"fmt"
	"io"
	"os"

	"github.com/moby/term"
)

const (
	colorYellow = "\x1b[33m"
	colorRed    = "\x1b[31m"
	colorReset  = "\x1b[0m"
)

// Writer provides methods for output operations that library code needs.
// This allows callers to control where and how output is written, rather than
// forcing library code to use global state like fmt.Print.
type Writer interface {
	// Print writes a message to the output stream.
	Print(v ...interface{})

	// Printf writes a formatted message to the output stream.
	Printf(format string, v ...interface{})

	// Println writes a message with a newline to the output stream.
	Println(v ...interface{})

	// Warning writes a warning message to the error stream.
	Warning(v ...interface{})

	// Warningf writes a formatted warning message to the error stream.
	Warningf(format string, v ...interface{})

	// Errorf writes a formatted error message to the error stream without terminating.
	Errorf(format string, v ...interface{})

	// GetWriter returns the underlying io.Writer for direct writing.
	GetWriter() io.Writer
}

// StandardWriter implements Writer using standard output/error streams.
type StandardWriter struct {
	out   io.Writer
	err   io.Writer
	color bool
}

// NewStandardWriter creates a Writer that outputs to stdout and stderr.
// Warnings and errors are colored when stderr is a terminal.
func NewStandardWriter() *StandardWriter {
	_, isTerminal := term.GetFdInfo(os.Stderr)
	return &StandardWriter{
		out:   os.Stdout,
		err:   os.Stderr,
		color: isTerminal,
	}
}

// NewCustomWriter creates a Writer with custom output streams and no coloring.
// The out stream is used for normal output, while err is used for warnings and errors.
func NewCustomWriter(out, err io.Writer) *StandardWriter {
	return &StandardWriter{
		out: out,
		err: err,
	}
}

// Print writes a message to the output stream without adding a newline.
func (w *StandardWriter) Print(v ...interface{}) {
	fmt.Fprint(w.out, v...)
}

// Printf writes a formatted message to the output stream.
func (w *StandardWriter) Printf(format string, v ...interface{}) {
	fmt.Fprintf(w.out, format, v...)
}

// Println writes a message with a newline to the output stream.
func (w *StandardWriter) Println(v ...interface{}) {
	fmt.Fprintln(w.out, v...)
}

// Warning writes a warning message to the error stream with a "Warning: " prefix.
func (w *StandardWriter) Warning(v ...interface{}) {
	fmt.Fprint(w.err, w.paint(colorYellow, "Warning: "))
	fmt.Fprintln(w.err, v...)
}

// Warningf writes a formatted warning message to the error stream with a "Warning: " prefix.
func (w *StandardWriter) Warningf(format string, v ...interface{}) {
	fmt.Fprintf(w.err, w.paint(colorYellow, "Warning: ")+format+"\n", v...)
}

// Errorf writes a formatted error message to the error stream with an "Error: " prefix.
func (w *StandardWriter) Errorf(format string, v ...interface{}) {
	fmt.Fprintf(w.err, w.paint(colorRed, "Error: ")+format+"\n", v...)
}

// GetWriter returns the underlying io.Writer for direct writing to the output stream.
func (w *StandardWriter) GetWriter() io.Writer {
	return w.out
}

func (w *StandardWriter) paint(color, s string) string {
	if !w.color {
		return s
	}
	return color + s + colorReset
}
