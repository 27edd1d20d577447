package ini

import (
	"errors"
	"fmt"
)

var (
	ErrMissingSection  = errors.New("missing required section")
	ErrMissingField    = errors.New("missing required field")
	ErrUnknownType     = errors.New("unknown data type")
	ErrBadEntry        = errors.New("malformed entry")
	ErrUnknownMacro    = errors.New("unknown macro")
	ErrIncludeNotFound = errors.New("include not found")
	ErrIncludeCycle    = errors.New("circular include")
	ErrIncludeDepth    = errors.New("include depth exceeded")
	ErrUnterminatedIf  = errors.New("unterminated #if")
)

// ParseError locates a definition-file problem at its original file and
// line, even when the line arrived through an include.
type ParseError struct {
	File string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func errAt(file string, line int, err error) error {
	return &ParseError{File: file, Line: line, Err: err}
}

func errAtf(file string, line int, sentinel error, format string, args ...any) error {
	return &ParseError{File: file, Line: line, Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}
