package backend

import (
	"context"
	"fmt"

	"github.com/edgecomet/solver-gateway/internal/gateway/instance"
	"github.com/edgecomet/solver-gateway/pkg/types"
)

// SessionRemote creates and destroys sessions through a Client
type SessionRemote struct {
	client Client
}

func NewSessionRemote(client Client) *SessionRemote {
	return &SessionRemote{client: client}
}

func (r *SessionRemote) CreateSession(ctx context.Context, inst instance.Instance, id string) error {
	resp, err := r.client.Call(ctx, inst, &types.Request{Cmd: types.CmdSessionsCreate, Session: id})
	if err != nil {
		return err
	}
	if resp.Session != "" && resp.Session != id {
		return &Error{
			Instance: inst.ID,
			Message:  fmt.Sprintf("created session %q, requested %q", resp.Session, id),
			kind:     ErrRejected,
		}
	}
	return nil
}

func (r *SessionRemote) DestroySession(ctx context.Context, inst instance.Instance, id string) error {
	_, err := r.client.Call(ctx, inst, &types.Request{Cmd: types.CmdSessionsDestroy, Session: id})
	return err
}
