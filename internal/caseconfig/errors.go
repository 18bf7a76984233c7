package caseconfig

import (
	"errors"
	"fmt"
)

// ErrFrozen is returned by Set once the config has been frozen for execution.
var ErrFrozen = errors.New("config is frozen")

// MissingOptionError means a section/key pair is absent from every layer.
type MissingOptionError struct {
	Section string
	Key     string
}

func (e *MissingOptionError) Error() string {
	return fmt.Sprintf("missing config option [%s] %s", e.Section, e.Key)
}

// InterpolationError means a ${section:key} reference could not be expanded.
type InterpolationError struct {
	Section string
	Key     string
	Ref     string
	Reason  string
}

func (e *InterpolationError) Error() string {
	return fmt.Sprintf("interpolating [%s] %s: ${%s}: %s", e.Section, e.Key, e.Ref, e.Reason)
}

// ParseError means a typed getter could not convert the merged value.
type ParseError struct {
	Section string
	Key     string
	Value   string
	Kind    string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("config option [%s] %s = %q is not a valid %s: %v", e.Section, e.Key, e.Value, e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsMissing reports whether err is (or wraps) a MissingOptionError.
func IsMissing(err error) bool {
	var missing *MissingOptionError
	return errors.As(err, &missing)
}
