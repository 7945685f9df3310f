package domain

import (
	"context"
	"time"
)

// TaskStorage persists tasks. Implementations own LastModified and Revision:
// InsertTask starts the revision at 1 and UpdateTask is a compare-and-swap on
// the revision the caller read, returning ErrConcurrencyConflict when it moved.
type TaskStorage interface {
	ListTasks(ctx context.Context) ([]Task, error)
	// GetTask returns nil without error when the task does not exist.
	GetTask(ctx context.Context, id string) (*Task, error)
	FindTaskByTitle(ctx context.Context, title string) (*Task, error)
	InsertTask(ctx context.Context, t Task) (Task, error)
	UpdateTask(ctx context.Context, t Task, revision int64) (Task, error)
	// DeleteTask returns the removed task or ErrNotFound.
	DeleteTask(ctx context.Context, id string) (Task, error)
}

// UserStorage reads board members.
type UserStorage interface {
	ListUsers(ctx context.Context) ([]User, error)
	// GetUser returns nil without error when the user does not exist.
	GetUser(ctx context.Context, id string) (*User, error)
	InsertUser(ctx context.Context, u User) error
}

// LogStorage is the append-only audit sink.
type LogStorage interface {
	AppendLog(ctx context.Context, entry ActionLog) error
	ListLogs(ctx context.Context) ([]ActionLog, error)
}

// Store is the full record store used by the task service.
type Store interface {
	TaskStorage
	UserStorage
	LogStorage
}

// NextModified returns the LastModified value for a write happening at now on
// a record last written at prev. The result is truncated to microseconds so it
// survives every serialization boundary, and is always after prev.
func NextModified(prev, now time.Time) time.Time {
	next := now.UTC().Truncate(time.Microsecond)
	if !next.After(prev) {
		next = prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return next
}
