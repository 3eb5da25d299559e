package instance

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks instance configuration problems.
	// Callers surface it as a startup or client error and never substitute another instance.
	ErrConfiguration = errors.New("instance configuration error")

	ErrNoInstances     = fmt.Errorf("%w: no backend instances configured", ErrConfiguration)
	ErrUnknownInstance = fmt.Errorf("%w: unknown backend instance", ErrConfiguration)
)
