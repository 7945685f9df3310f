package domain

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// CreateTask is the body of a task creation request.
type CreateTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`
	AssignedTo  *string  `json:"assignedTo"`
}

// Normalize trims the title, fills defaults and validates enumerations.
func (c *CreateTask) Normalize() error {
	c.Title = strings.TrimSpace(c.Title)
	if c.Title == "" {
		return invalid("title", "required")
	}
	if c.Status == "" {
		c.Status = StatusTodo
	}
	if !c.Status.Valid() {
		return invalid("status", "must be one of Todo, In Progress, Done")
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	if !c.Priority.Valid() {
		return invalid("priority", "must be one of Low, Medium, High")
	}
	if c.AssignedTo != nil && strings.TrimSpace(*c.AssignedTo) == "" {
		c.AssignedTo = nil
	}
	return nil
}

func (c CreateTask) assignee() string {
	if c.AssignedTo == nil {
		return ""
	}
	return strings.TrimSpace(*c.AssignedTo)
}

// OptionalID is a nullable reference that remembers whether it was present in
// the request body at all. An explicit null clears the reference.
type OptionalID struct {
	Set bool
	ID  string
}

// Assign returns an OptionalID that sets the reference to id.
func Assign(id string) OptionalID { return OptionalID{Set: true, ID: id} }

// Unassign returns an OptionalID that clears the reference.
func Unassign() OptionalID { return OptionalID{Set: true} }

func (o *OptionalID) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.ID = ""
		return nil
	}
	return sonic.Unmarshal(b, &o.ID)
}

func (o OptionalID) MarshalJSON() ([]byte, error) {
	if !o.Set || o.ID == "" {
		return []byte("null"), nil
	}
	return sonic.Marshal(o.ID)
}

// UpdateTask is the body of a task update request. Nil fields are left
// unchanged. Revision or LastModified carry the version the editor started
// from; Force skips the staleness check.
type UpdateTask struct {
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Status       *Status    `json:"status,omitempty"`
	Priority     *Priority  `json:"priority,omitempty"`
	AssignedTo   OptionalID `json:"assignedTo"`
	Revision     *int64     `json:"revision,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	Force        bool       `json:"force,omitempty"`
}

// MarshalJSON omits assignedTo when it was not set.
func (u UpdateTask) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 8)
	if u.Title != nil {
		out["title"] = *u.Title
	}
	if u.Description != nil {
		out["description"] = *u.Description
	}
	if u.Status != nil {
		out["status"] = *u.Status
	}
	if u.Priority != nil {
		out["priority"] = *u.Priority
	}
	if u.AssignedTo.Set {
		out["assignedTo"] = u.AssignedTo
	}
	if u.Revision != nil {
		out["revision"] = *u.Revision
	}
	if u.LastModified != nil {
		out["lastModified"] = u.LastModified.UTC().Format(time.RFC3339Nano)
	}
	if u.Force {
		out["force"] = true
	}
	return sonic.Marshal(out)
}

func (u UpdateTask) empty() bool {
	return u.Title == nil && u.Description == nil && u.Status == nil && u.Priority == nil && !u.AssignedTo.Set
}

// Validate checks enumerations and that the request carries a version to
// compare against unless it is a forced overwrite.
func (u *UpdateTask) Validate() error {
	if u.empty() {
		return invalid("", "update had no fields")
	}
	if u.Title != nil {
		t := strings.TrimSpace(*u.Title)
		if t == "" {
			return invalid("title", "must not be blank")
		}
		u.Title = &t
	}
	if u.Status != nil && !u.Status.Valid() {
		return invalid("status", "must be one of Todo, In Progress, Done")
	}
	if u.Priority != nil && !u.Priority.Valid() {
		return invalid("priority", "must be one of Low, Medium, High")
	}
	if !u.Force && u.Revision == nil && u.LastModified == nil {
		return invalid("revision", "revision or lastModified is required unless force is set")
	}
	return nil
}

// Expectation returns the version the editor observed when it began editing.
func (u UpdateTask) Expectation() Expectation {
	return Expectation{Revision: u.Revision, LastModified: u.LastModified}
}

// ApplyTo returns t with the requested fields replaced.
func (u UpdateTask) ApplyTo(t Task) Task {
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.AssignedTo.Set {
		t.AssignedTo = u.AssignedTo.ID
	}
	return t
}

// DraftOf builds an update that would turn the stored task into draft. It is
// what an editor submits after changing a local copy of a task.
func DraftOf(draft Task) UpdateTask {
	title, desc, status, prio := draft.Title, draft.Description, draft.Status, draft.Priority
	rev, lm := draft.Revision, draft.LastModified
	u := UpdateTask{
		Title:       &title,
		Description: &desc,
		Status:      &status,
		Priority:    &prio,
		AssignedTo:  Assign(draft.AssignedTo),
	}
	if draft.AssignedTo == "" {
		u.AssignedTo = Unassign()
	}
	if rev > 0 {
		u.Revision = &rev
	}
	if !lm.IsZero() {
		u.LastModified = &lm
	}
	return u
}
