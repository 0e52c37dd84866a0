package domain

import "errors"

// Error kinds shared by stores, the allocation engine and the API.
var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCapacityExhausted = errors.New("agency at capacity")
	ErrConflict          = errors.New("concurrent modification")
	ErrForbidden         = errors.New("forbidden")
	ErrCollaborator      = errors.New("collaborator failure")
)
