package browser

import "errors"

var (
	ErrPoolShutdown  = errors.New("browser pool is shutting down")
	ErrStartFailed   = errors.New("chrome start failed")
	ErrRestartFailed = errors.New("chrome restart failed")
)
