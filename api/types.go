package api

import (
	"context"

	"taskboard/domain"
)

// TaskService is the task lifecycle the handlers drive.
type TaskService interface {
	Create(ctx context.Context, actor string, req domain.CreateTask) (domain.TaskView, error)
	Update(ctx context.Context, actor, id string, req domain.UpdateTask) (domain.TaskView, error)
	Delete(ctx context.Context, actor, id string) error
	SmartAssign(ctx context.Context, actor, id string) (domain.TaskView, error)
	GetTask(ctx context.Context, id string) (domain.TaskView, error)
	ListTasks(ctx context.Context) ([]domain.TaskView, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	ListLogs(ctx context.Context) ([]domain.LogView, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// Subscriber hands out live event feeds for connected sessions.
type Subscriber interface {
	Subscribe() <-chan domain.Event
	Unsubscribe(<-chan domain.Event)
}

type tasksResponse struct {
	Tasks []domain.TaskView `json:"tasks"`
}

type usersResponse struct {
	Users []domain.User `json:"users"`
}

type logsResponse struct {
	Logs []domain.LogView `json:"logs"`
}

// ErrorBody is the JSON body of every error response. Conflicts also carry
// the rejected draft and the currently stored task.
type ErrorBody struct {
	Error   string             `json:"error"`
	Code    string             `json:"code"`
	Draft   *domain.UpdateTask `json:"draft,omitempty"`
	Current *domain.TaskView   `json:"current,omitempty"`
}
