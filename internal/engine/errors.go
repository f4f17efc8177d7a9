package engine

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable failure class. Codes are part of
// the public contract; callers branch on them and the HTTP layer maps
// them to status codes.
type Code string

const (
	CodeModelNotFound        Code = "MODEL_NOT_FOUND"
	CodeUnsupportedModelType Code = "UNSUPPORTED_MODEL_TYPE"
	CodeModelNotTrained      Code = "MODEL_NOT_TRAINED"
	CodeTrainingFailed       Code = "TRAINING_FAILED"
	CodeDetectionFailed      Code = "DETECTION_FAILED"
)

// Error carries the failure class, the model it concerns and the
// wrapped cause, if any.
type Error struct {
	Code    Code
	Message string
	ModelID string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match on the code alone, so callers can compare
// against a bare &Error{Code: ...} sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the engine error code from err, or "" when err is
// not an engine error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func errModelNotFound(id string) *Error {
	return &Error{Code: CodeModelNotFound, Message: fmt.Sprintf("model %q is not registered", id), ModelID: id}
}

func errUnsupportedType(id, typ string) *Error {
	return &Error{Code: CodeUnsupportedModelType, Message: fmt.Sprintf("model type %q is not supported", typ), ModelID: id}
}

func errModelNotTrained(id string) *Error {
	return &Error{Code: CodeModelNotTrained, Message: fmt.Sprintf("model %q has not been trained", id), ModelID: id}
}

func errTrainingFailed(id string, cause error) *Error {
	return &Error{Code: CodeTrainingFailed, Message: fmt.Sprintf("training model %q failed", id), ModelID: id, Err: cause}
}

func errDetectionFailed(id string, cause error) *Error {
	return &Error{Code: CodeDetectionFailed, Message: fmt.Sprintf("detection with model %q failed", id), ModelID: id, Err: cause}
}
