package webhooks

import (
	"errors"
	"fmt"

	"github.com/saltyorg/watchrelay/internal/media"
)

// ErrUnauthorized is returned when a webhook carries the wrong shared secret.
var ErrUnauthorized = errors.New("invalid api key")

// ValidationError reports a webhook body that could not be parsed at all.
type ValidationError struct {
	Source media.Source
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Source, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(source media.Source, format string, args ...any) error {
	return &ValidationError{Source: source, Err: fmt.Errorf(format, args...)}
}

// SourceConfig carries per-server settings the normalizers need.
type SourceConfig struct {
	// BaseURL of the media server, used to resolve server-relative image paths.
	BaseURL string
}
