package services

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrInvalidCredentials is returned for both unknown accounts and wrong
	// passwords so callers cannot tell the two apart.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrForbidden is returned when the caller may not act on a resource.
	ErrForbidden = errors.New("not permitted")
	// ErrConcurrentUpdate is returned when the account changed between the
	// read and the write of an update.
	ErrConcurrentUpdate = errors.New("account was changed by another request, reload and try again")
)

// ValidationError carries field-level input errors.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+e.Fields[key])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func fieldError(field, message string) *ValidationError {
	v := &ValidationError{}
	v.add(field, message)
	return v
}
