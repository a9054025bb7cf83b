package convert

import (
	"errors"
	"fmt"
)

var errBlankLine = errors.New("blank line")

// DecodeError reports input that is not well-formed for its format. No
// output file exists when Run returns one.
type DecodeError struct {
	// Line is the 1-based input line for line-by-line formats, 0 otherwise.
	Line   int
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %v (offset %d)", e.Line, e.Err, e.Offset)
	}
	return fmt.Sprintf("%v (offset %d)", e.Err, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// WriteError reports any failure other than decoding: a bad path or
// option, an input read fault, a value the MAT-file cannot hold, or an
// I/O error while writing.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
