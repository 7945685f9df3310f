package client

import (
	"context"
	"errors"

	"taskboard/domain"
)

var errNoConflict = errors.New("no pending conflict")

// Editor holds a local draft of one task. Submit sends the draft guarded by
// the version it was started from; after a conflict the caller either
// overwrites the server copy or discards the draft.
type Editor struct {
	client   *Client
	base     domain.TaskView
	conflict *domain.ConflictError

	// Draft is the working copy. Its Revision and LastModified are the
	// version the edit is based on and should not be changed by callers.
	Draft domain.Task
}

// Begin fetches the task and starts editing it.
func (c *Client) Begin(ctx context.Context, id string) (*Editor, error) {
	view, err := c.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.BeginFrom(view), nil
}

// BeginFrom starts editing from a copy the caller already holds, such as a
// session mirror entry.
func (c *Client) BeginFrom(view domain.TaskView) *Editor {
	return &Editor{client: c, base: view, Draft: view.Task}
}

// Base returns the version the draft is based on.
func (e *Editor) Base() domain.TaskView { return e.base }

// Conflict returns the pending conflict from the last Submit, if any.
func (e *Editor) Conflict() *domain.ConflictError { return e.conflict }

// Submit sends the draft. On a stale base it returns the *domain.ConflictError
// and keeps it pending for Overwrite or Discard.
func (e *Editor) Submit(ctx context.Context) (domain.TaskView, error) {
	return e.send(ctx, domain.DraftOf(e.Draft))
}

// Overwrite resends the draft with force set, replacing whatever is stored.
func (e *Editor) Overwrite(ctx context.Context) (domain.TaskView, error) {
	if e.conflict == nil {
		return domain.TaskView{}, errNoConflict
	}
	req := domain.DraftOf(e.Draft)
	req.Force = true
	return e.send(ctx, req)
}

// Discard drops the draft and rebases the editor on the stored record
// reported by the conflict.
func (e *Editor) Discard() error {
	if e.conflict == nil {
		return errNoConflict
	}
	e.reset(e.conflict.Current)
	return nil
}

func (e *Editor) send(ctx context.Context, req domain.UpdateTask) (domain.TaskView, error) {
	view, err := e.client.UpdateTask(ctx, e.Draft.ID, req)
	if err != nil {
		if ce, ok := domain.AsConflict(err); ok {
			e.conflict = ce
		}
		return domain.TaskView{}, err
	}
	e.reset(view)
	return view, nil
}

func (e *Editor) reset(view domain.TaskView) {
	e.base = view
	e.Draft = view.Task
	e.conflict = nil
}
