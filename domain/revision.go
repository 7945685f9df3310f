package domain

import "time"

// Expectation is the version of a task an editor captured when it started
// editing. Revision is preferred; LastModified is kept for callers that only
// track the timestamp.
type Expectation struct {
	Revision     *int64
	LastModified *time.Time
}

// Matches reports whether t is still the version the editor started from.
// Timestamps are compared for exact equality, never ordering.
func (e Expectation) Matches(t Task) bool {
	if e.Revision != nil {
		return *e.Revision == t.Revision
	}
	if e.LastModified != nil {
		return e.LastModified.Equal(t.LastModified)
	}
	return false
}

// RevisionGuard rejects updates built on a stale copy of a task.
type RevisionGuard struct{}

// Check returns a *ConflictError when draft was prepared against a version
// other than current. Forced drafts always pass.
func (RevisionGuard) Check(current TaskView, draft UpdateTask) error {
	if draft.Force {
		return nil
	}
	if draft.Expectation().Matches(current.Task) {
		return nil
	}
	return &ConflictError{Draft: draft, Current: current}
}
