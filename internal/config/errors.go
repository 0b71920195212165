// Package config loads and validates exitnode's configuration and the
// parsed build request.
package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation error with actionable message
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return ""
	}
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors
func (errs ValidationErrors) HasErrors() bool {
	return len(errs) > 0
}

// Err returns errs as an error, or nil when there are none.
func (errs ValidationErrors) Err() error {
	if !errs.HasErrors() {
		return nil
	}
	return errs
}
