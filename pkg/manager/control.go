package manager

import (
	"context"
	"errors"

	"github.com/cuemby/beedrive/pkg/types"
)

// request is the closed set of control messages a manager serves
type request interface {
	isRequest()
}

type isFullRequest struct {
	reply chan bool
}

type newTaskRequest struct {
	dispatch Dispatch
	reply    chan newTaskReply
}

type newTaskReply struct {
	uuid string
	err  error
}

type killTaskRequest struct {
	uuid  string
	reply chan error
}

type updateRequest struct {
	reply chan []types.TaskStatus
}

type stopRequest struct {
	reply chan struct{}
}

func (*isFullRequest) isRequest()   {}
func (*newTaskRequest) isRequest()  {}
func (*killTaskRequest) isRequest() {}
func (*updateRequest) isRequest()   {}
func (*stopRequest) isRequest()     {}

// Handle is the synchronous control channel to one manager. Every call is
// a blocking round-trip; a manager serves one request at a time.
type Handle struct {
	id       string
	requests chan<- request
	done     <-chan struct{}
}

// ID returns the manager identifier
func (h *Handle) ID() string {
	return h.id
}

// Done is closed once the manager has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) send(ctx context.Context, req request) error {
	select {
	case h.requests <- req:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, h *Handle, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		// The reply may have raced the exit
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// IsFull reports whether the pool has no free slot
func (h *Handle) IsFull(ctx context.Context) (bool, error) {
	req := &isFullRequest{reply: make(chan bool, 1)}
	if err := h.send(ctx, req); err != nil {
		return false, err
	}
	return await(ctx, h, req.reply)
}

// NewTask hands d to a new worker and returns its UUID without waiting for
// the transfer. ctx only bounds the wait; once the request is
// delivered the manager owns the connection.
func (h *Handle) NewTask(ctx context.Context, d Dispatch) (string, error) {
	req := &newTaskRequest{dispatch: d, reply: make(chan newTaskReply, 1)}
	if err := h.send(ctx, req); err != nil {
		return "", err
	}
	r, err := await(ctx, h, req.reply)
	if err != nil {
		return "", err
	}
	return r.uuid, r.err
}

// KillTask cancels and removes one worker
func (h *Handle) KillTask(ctx context.Context, id string) error {
	req := &killTaskRequest{uuid: id, reply: make(chan error, 1)}
	if err := h.send(ctx, req); err != nil {
		return err
	}
	r, err := await(ctx, h, req.reply)
	if err != nil {
		return err
	}
	return r
}

// Update returns a status snapshot of every live worker
func (h *Handle) Update(ctx context.Context) ([]types.TaskStatus, error) {
	req := &updateRequest{reply: make(chan []types.TaskStatus, 1)}
	if err := h.send(ctx, req); err != nil {
		return nil, err
	}
	return await(ctx, h, req.reply)
}

// Stop stops every worker and waits for the manager to exit. Calling Stop
// on a stopped manager returns nil.
func (h *Handle) Stop(ctx context.Context) error {
	req := &stopRequest{reply: make(chan struct{})}
	if err := h.send(ctx, req); err != nil {
		if errors.Is(err, ErrStopped) {
			return nil
		}
		return err
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
