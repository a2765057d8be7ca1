package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Failure markers. Jobs failing with ErrValidation or ErrNotFound are not retried.
var (
	ErrExternalTool = errors.New("external tool error")
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrTransient    = errors.New("transient failure")
)

var (
	ErrNotReady         = errors.New("session not ready")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session closed")
	ErrTrackNotFound    = errors.New("track not found")
	ErrNoChunks         = errors.New("no chunks found")
	ErrArtifactTooSmall = errors.New("artifact below size floor")
	ErrChunkIndex       = errors.New("chunk index out of range")
)

// Wrap builds an error that carries stage context and a classification marker.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether a failed job should be redelivered.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return false
	default:
		return true
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}

// Diagnosed is implemented by errors that carry output worth keeping beside
// their one-line message, such as an external tool's stderr.
type Diagnosed interface {
	error
	Diagnostics() string
}

// ErrorDetail renders err for persistence: the message followed by any
// diagnostics found in its chain.
func ErrorDetail(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var d Diagnosed
	if errors.As(err, &d) {
		if diag := strings.TrimSpace(d.Diagnostics()); diag != "" {
			msg += "\n" + diag
		}
	}
	return msg
}
