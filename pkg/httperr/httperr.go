package httperr

import "errors"

// Transport-agnostic request error kinds. Stores and services return these;
// the HTTP layer maps them onto envelope codes without string matching.

type BadRequestError struct {
	msg string
}

func (e *BadRequestError) Error() string { return e.msg }

func NewBadRequest(msg string) error { return &BadRequestError{msg: msg} }

func IsBadRequest(err error) bool {
	_, ok := errors.AsType[*BadRequestError](err)
	return ok
}

type NotFoundError struct {
	msg string
}

func (e *NotFoundError) Error() string { return e.msg }

func NewNotFound(msg string) error { return &NotFoundError{msg: msg} }

func IsNotFound(err error) bool {
	_, ok := errors.AsType[*NotFoundError](err)
	return ok
}

type PermissionDeniedError struct {
	msg string
}

func (e *PermissionDeniedError) Error() string { return e.msg }

func NewPermissionDenied(msg string) error { return &PermissionDeniedError{msg: msg} }

func IsPermissionDenied(err error) bool {
	_, ok := errors.AsType[*PermissionDeniedError](err)
	return ok
}

type ConflictError struct {
	msg string
}

func (e *ConflictError) Error() string { return e.msg }

func NewConflict(msg string) error { return &ConflictError{msg: msg} }

func IsConflict(err error) bool {
	_, ok := errors.AsType[*ConflictError](err)
	return ok
}
