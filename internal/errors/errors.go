// Package errors defines the failure taxonomy used across the
// extraction pipeline. Remote failures are classified as transient
// (retryable) or permanent; storage and export failures carry their own
// classes because they gate marker commits.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Class identifies the kind of pipeline error.
type Class string

const (
	// ClassTransient covers timeouts, stale element references and
	// temporary network failures. Only these are retried.
	ClassTransient Class = "transient"
	// ClassPermanent covers authentication rejection, malformed
	// responses and not-found conditions. Never retried.
	ClassPermanent Class = "permanent"
	// ClassStorageCorrupt means persisted sync state could not be
	// parsed. Surfaced to the operator, never auto-repaired.
	ClassStorageCorrupt Class = "storage_corrupt"
	// ClassExportFailure means an export target could not be written
	// durably. Blocks the marker commit for the run.
	ClassExportFailure Class = "export_failure"
	// ClassAnomaly marks detected oddities (duplicate ids, unexpected
	// ordering). Logged, never fails a run.
	ClassAnomaly Class = "anomaly"
	// ClassFatal aborts the affected category (failed authentication,
	// unavailable listing).
	ClassFatal Class = "fatal"
)

// PipelineError is the error type exchanged between pipeline components.
type PipelineError struct {
	Class      Class  `json:"class"`
	Op         string `json:"op,omitempty"`
	CategoryID string `json:"category_id,omitempty"`
	Message    string `json:"message"`
	Cause      error  `json:"-"`
	Retryable  bool   `json:"retryable"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e == nil {
		return "unknown pipeline error"
	}
	switch {
	case e.Op != "" && e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %s: %v", e.Class, e.Op, e.Message, e.Cause)
	case e.Op != "":
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Op, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Class, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// WithCategory returns a copy annotated with the category id.
func (e *PipelineError) WithCategory(categoryID string) *PipelineError {
	if e == nil {
		return nil
	}
	clone := *e
	clone.CategoryID = categoryID
	return &clone
}

// Transient creates a retryable remote error.
func Transient(op, message string, cause error) *PipelineError {
	return &PipelineError{
		Class:     ClassTransient,
		Op:        op,
		Message:   message,
		Cause:     cause,
		Retryable: true,
	}
}

// Permanent creates a non-retryable remote error.
func Permanent(op, message string, cause error) *PipelineError {
	return &PipelineError{
		Class:   ClassPermanent,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

// StorageCorrupt creates a state-unreadable error.
func StorageCorrupt(op string, cause error) *PipelineError {
	return &PipelineError{
		Class:   ClassStorageCorrupt,
		Op:      op,
		Message: "persisted sync state cannot be parsed",
		Cause:   cause,
	}
}

// ExportFailure creates an export-target error.
func ExportFailure(op, message string, cause error) *PipelineError {
	return &PipelineError{
		Class:   ClassExportFailure,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

// Anomaly creates a non-failing anomaly marker.
func Anomaly(op, message string) *PipelineError {
	return &PipelineError{
		Class:   ClassAnomaly,
		Op:      op,
		Message: message,
	}
}

// Fatal creates a category-aborting error.
func Fatal(op, message string, cause error) *PipelineError {
	return &PipelineError{
		Class:   ClassFatal,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

// IsTransient reports whether err (or anything it wraps) is a
// retryable pipeline error.
func IsTransient(err error) bool {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// ClassOf returns the class of err, or "" for non-pipeline errors.
func ClassOf(err error) Class {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Class
	}
	return ""
}

// Is reports whether err carries the given class.
func Is(err error, class Class) bool {
	return ClassOf(err) == class
}

// Wrap annotates err with an op and message, preserving classification.
// Non-pipeline errors become permanent.
func Wrap(err error, op, message string) *PipelineError {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		clone := *pe
		if clone.Op == "" {
			clone.Op = op
		}
		if message != "" {
			clone.Message = message + ": " + clone.Message
		}
		clone.Cause = err
		return &clone
	}
	return &PipelineError{
		Class:   ClassPermanent,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}
