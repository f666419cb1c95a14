package store

import "errors"

var (
	ErrPatientNotFound    = errors.New("patient not found")
	ErrDepartmentNotFound = errors.New("department not found")
	ErrInvalidState       = errors.New("invalid patient state")
	ErrUnknownStatus      = errors.New("unknown patient status")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)
