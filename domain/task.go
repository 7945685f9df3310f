package domain

import (
	"strings"
	"time"
)

// Status is the workflow stage of a task.
type Status string

const (
	StatusTodo       Status = "Todo"
	StatusInProgress Status = "In Progress"
	StatusDone       Status = "Done"
)

// Stages lists the workflow stages in board order.
var Stages = []Status{StatusTodo, StatusInProgress, StatusDone}

// Valid reports whether s is one of the workflow stages.
func (s Status) Valid() bool {
	for _, st := range Stages {
		if s == st {
			return true
		}
	}
	return false
}

// Active reports whether a task in this stage counts toward a user's workload.
func (s Status) Active() bool {
	return s == StatusTodo || s == StatusInProgress
}

// Priority is the relative urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task is the persisted board item. LastModified and Revision are owned by the
// store and change on every successful write.
type Task struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Status       Status    `json:"status"`
	Priority     Priority  `json:"priority"`
	AssignedTo   string    `json:"assignedTo,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
	Revision     int64     `json:"revision"`
}

// UserRef is the display form of an assignee.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TaskView is a task with its assignee resolved for display.
type TaskView struct {
	Task
	Assignee *UserRef `json:"assignee"`
}

// User is a member of the board that tasks can be assigned to.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Action classifies an audit entry.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// ActionLog is an append-only audit entry. TaskID is a weak reference: the
// task may no longer exist, so TaskTitle keeps the title seen at write time.
type ActionLog struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	TaskID    string    `json:"taskId"`
	TaskTitle string    `json:"taskTitle,omitempty"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// LogView is an audit entry with the acting user and task resolved for display.
type LogView struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	TaskID    string    `json:"taskId"`
	TaskTitle string    `json:"taskTitle"`
	TaskGone  bool      `json:"taskDeleted,omitempty"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// IsStageName reports whether title collides with a workflow stage name.
func IsStageName(title string) bool {
	return Status(strings.TrimSpace(title)).Valid()
}
