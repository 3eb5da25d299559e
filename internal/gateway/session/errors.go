package session

import "errors"

var (
	// ErrSessionExists is returned when allocating an id that is already registered
	ErrSessionExists = errors.New("session already exists")
	// ErrCreateFailed wraps a backend failure during allocation
	ErrCreateFailed = errors.New("session create failed")
	// ErrDestroyedDuringCreate means the session was destroyed while its remote create was in flight
	ErrDestroyedDuringCreate = errors.New("session destroyed during create")
)
