package store

import "errors"

// Sentinel errors returned by store operations. Callers match with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateTask indicates a task with the same (chat_id, msg_id)
	// already exists.
	ErrDuplicateTask = errors.New("store: duplicate task")

	// ErrConflict indicates a guarded status transition found the row in a
	// different state than expected. The caller lost a race with another
	// actor; the row was not modified.
	ErrConflict = errors.New("store: status conflict")
)
