// Package apperr defines the business error taxonomy shared by services and
// the HTTP layer. Every error carries a stable code that clients can switch on
// and the HTTP status the API responds with.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes.
const (
	CodeDuplicateStudyID = "DUPLICATE_STUDY_ID"
	CodePatientNotFound  = "PATIENT_NOT_FOUND"
	CodeImageNotFound    = "IMAGE_NOT_FOUND"
	CodeFileEmpty        = "FILE_EMPTY"
	CodeFileTooLarge     = "FILE_TOO_LARGE"
	CodeInvalidFileType  = "INVALID_FILE_TYPE"
	CodeInvalidImageType = "INVALID_IMAGE_TYPE"
	CodeFileNotFound     = "FILE_NOT_FOUND"
	CodeValidation       = "VALIDATION_ERROR"
	CodeInvalidID        = "INVALID_ID"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error is a business rule violation.
type Error struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code, so that wrapped
// or re-messaged errors still match their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrDuplicateStudyID = &Error{Code: CodeDuplicateStudyID, Status: http.StatusConflict, Message: "a patient with this study id already exists"}
	ErrPatientNotFound  = &Error{Code: CodePatientNotFound, Status: http.StatusNotFound, Message: "patient not found"}
	ErrImageNotFound    = &Error{Code: CodeImageNotFound, Status: http.StatusNotFound, Message: "image not found"}
	ErrFileEmpty        = &Error{Code: CodeFileEmpty, Status: http.StatusBadRequest, Message: "uploaded file is empty"}
	ErrFileTooLarge     = &Error{Code: CodeFileTooLarge, Status: http.StatusRequestEntityTooLarge, Message: "uploaded file exceeds the maximum allowed size"}
	ErrInvalidFileType  = &Error{Code: CodeInvalidFileType, Status: http.StatusBadRequest, Message: "file type is not allowed"}
	ErrInvalidImageType = &Error{Code: CodeInvalidImageType, Status: http.StatusBadRequest, Message: "image type must be one of xray, mri, photo, posture, other"}
	ErrFileNotFound     = &Error{Code: CodeFileNotFound, Status: http.StatusNotFound, Message: "image file is missing from storage"}
	ErrValidation       = &Error{Code: CodeValidation, Status: http.StatusBadRequest, Message: "validation failed"}
	ErrInvalidID        = &Error{Code: CodeInvalidID, Status: http.StatusBadRequest, Message: "invalid id"}
)

// WithMessage returns a copy of the sentinel carrying a more specific message.
func WithMessage(sentinel *Error, format string, args ...interface{}) *Error {
	return &Error{
		Code:    sentinel.Code,
		Status:  sentinel.Status,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap returns a copy of the sentinel that keeps cause for logging.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{
		Code:    sentinel.Code,
		Status:  sentinel.Status,
		Message: sentinel.Message,
		Err:     cause,
	}
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}
