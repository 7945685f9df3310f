package domain

import "context"

const (
	TaskCreated = "task-created"
	TaskUpdated = "task-updated"
	TaskDeleted = "task-deleted"
	// Snapshot carries the full task list to a freshly connected session.
	Snapshot = "snapshot"
)

// Event is a task lifecycle notification. Created and updated events carry
// the full task; deleted events carry only the id.
type Event struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	TaskID string     `json:"taskId"`
	Task   *TaskView  `json:"task,omitempty"`
	Tasks  []TaskView `json:"tasks,omitempty"`
	Time   int64      `json:"time"`
}

// Publisher delivers events to connected sessions. Delivery is best effort:
// callers never roll back a mutation because Publish failed.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
