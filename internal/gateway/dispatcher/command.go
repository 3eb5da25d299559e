package dispatcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/edgecomet/solver-gateway/internal/common/requestid"
	"github.com/edgecomet/solver-gateway/pkg/types"
)

// Command is the closed set of operations the dispatcher understands.
// Every implementation lives in this package.
type Command interface {
	Name() string
	command()
}

// Fetch loads a URL, from cache when possible
type Fetch struct {
	URL        string
	Params     map[string]string
	Session    string // optional client-owned session
	Instance   string // optional instance pin
	MaxTimeout time.Duration
}

// SessionCreate allocates a session, optionally with a caller-chosen id
type SessionCreate struct {
	ID       string
	Instance string
}

// SessionDestroy removes a session
type SessionDestroy struct {
	ID string
}

// SessionList reports live session ids
type SessionList struct{}

// Other is relayed to an instance untouched and never cached
type Other struct {
	Request *types.Request
}

func (Fetch) Name() string          { return types.CmdRequestGet }
func (SessionCreate) Name() string  { return types.CmdSessionsCreate }
func (SessionDestroy) Name() string { return types.CmdSessionsDestroy }
func (SessionList) Name() string    { return types.CmdSessionsList }
func (o Other) Name() string        { return o.Request.Cmd }

func (Fetch) command()          {}
func (SessionCreate) command()  {}
func (SessionDestroy) command() {}
func (SessionList) command()    {}
func (Other) command()          {}

// ParseCommand validates a wire request and converts it to a Command
func ParseCommand(req *types.Request) (Command, error) {
	if req == nil || strings.TrimSpace(req.Cmd) == "" {
		return nil, fmt.Errorf("%w: cmd is required", ErrInvalidRequest)
	}
	if req.MaxTimeout < 0 {
		return nil, fmt.Errorf("%w: maxTimeout must be positive", ErrInvalidRequest)
	}

	switch req.Cmd {
	case types.CmdRequestGet:
		if strings.TrimSpace(req.URL) == "" {
			return nil, fmt.Errorf("%w: url is required for %s", ErrInvalidRequest, req.Cmd)
		}
		if err := validateSession(req.Session); err != nil {
			return nil, err
		}
		return Fetch{
			URL:        req.URL,
			Params:     req.Params,
			Session:    req.Session,
			Instance:   req.Instance,
			MaxTimeout: time.Duration(req.MaxTimeout) * time.Millisecond,
		}, nil

	case types.CmdSessionsCreate:
		if err := validateSession(req.Session); err != nil {
			return nil, err
		}
		return SessionCreate{ID: req.Session, Instance: req.Instance}, nil

	case types.CmdSessionsDestroy:
		if req.Session == "" {
			return nil, fmt.Errorf("%w: session is required for %s", ErrInvalidRequest, req.Cmd)
		}
		return SessionDestroy{ID: req.Session}, nil

	case types.CmdSessionsList:
		return SessionList{}, nil

	default:
		return Other{Request: req}, nil
	}
}

func validateSession(id string) error {
	if id == "" {
		return nil
	}
	if err := requestid.ValidateSessionID(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
