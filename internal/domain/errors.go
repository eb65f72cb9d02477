package domain

import "errors"

// ErrNotFound is returned when the requested trip or record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAccessDenied is returned when the authenticated user is neither the
// trip's owner nor a collaborator with the required role.
var ErrAccessDenied = errors.New("access denied")

// ErrValidation is returned when input fails a business rule (bad time
// format, unknown enum value, end before start).
var ErrValidation = errors.New("validation error")

// ErrVersionConflict is returned when a version-stamped update presents a
// stale expected version. It is an expected outcome, not a failure; the
// caller fetches the current record and lets the user resolve.
var ErrVersionConflict = errors.New("version conflict")
