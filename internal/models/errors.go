package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("validation error")
	ErrImageDecode       = errors.New("image decode error")
	ErrInference         = errors.New("inference error")
	ErrMissingCredential = errors.New("inference credential not configured")
)

// FieldError describes a validation problem with one field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError blocks a save. Nothing is written when it is returned.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation: %s: %s", e.Errors[0].Field, e.Errors[0].Message)
	}
	return fmt.Sprintf("validation: %d errors", len(e.Errors))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: message}}}
}

// ImageDecodeError reports an unreadable or corrupt photo.
type ImageDecodeError struct {
	Err error
}

func (e *ImageDecodeError) Error() string {
	if e.Err == nil {
		return "image decode failed"
	}
	return fmt.Sprintf("image decode failed: %v", e.Err)
}

func (e *ImageDecodeError) Is(target error) bool { return target == ErrImageDecode }

func (e *ImageDecodeError) Unwrap() error { return e.Err }

// InferenceError covers every way a single estimation attempt can fail.
type InferenceError struct {
	Reason string
	Err    error
}

func NewInferenceError(reason string, err error) *InferenceError {
	return &InferenceError{Reason: reason, Err: err}
}

func (e *InferenceError) Error() string {
	if e.Err == nil {
		return "inference: " + e.Reason
	}
	return fmt.Sprintf("inference: %s: %v", e.Reason, e.Err)
}

func (e *InferenceError) Is(target error) bool { return target == ErrInference }

func (e *InferenceError) Unwrap() error { return e.Err }
