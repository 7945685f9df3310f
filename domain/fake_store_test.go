package domain

import (
	"context"
	"sync"
	"time"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	users map[string]User
	logs  []ActionLog

	insertErr error
	appendErr error
	listErr   error
	// beforeUpdate runs once, inside UpdateTask, before the revision check.
	beforeUpdate func(f *fakeStore)
	updates      int
}

func newFakeStore(users ...User) *fakeStore {
	f := &fakeStore{tasks: map[string]Task{}, users: map[string]User{}}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeStore) ListTasks(ctx context.Context) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) FindTaskByTitle(ctx context.Context, title string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.Title == title {
			return &t, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) InsertTask(ctx context.Context, t Task) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return Task{}, f.insertErr
	}
	now := NextModified(time.Time{}, time.Now())
	t.CreatedAt = now
	t.LastModified = now
	t.Revision = 1
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t Task, revision int64) (Task, error) {
	f.mu.Lock()
	if hook := f.beforeUpdate; hook != nil {
		f.beforeUpdate = nil
		f.mu.Unlock()
		hook(f)
		f.mu.Lock()
	}
	defer f.mu.Unlock()
	cur, ok := f.tasks[t.ID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if cur.Revision != revision {
		return Task{}, ErrConcurrencyConflict
	}
	f.updates++
	t.CreatedAt = cur.CreatedAt
	t.Revision = cur.Revision + 1
	t.LastModified = NextModified(cur.LastModified, time.Now())
	f.tasks[t.ID] = t
	return t, nil
}

// bump simulates another writer committing directly to the store.
func (f *fakeStore) bump(id string, mutate func(*Task)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	mutate(&t)
	t.Revision++
	t.LastModified = NextModified(t.LastModified, time.Now())
	f.tasks[id] = t
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	delete(f.tasks, id)
	return t, nil
}

func (f *fakeStore) ListUsers(ctx context.Context) ([]User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (f *fakeStore) InsertUser(ctx context.Context, u User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	return nil
}

func (f *fakeStore) AppendLog(ctx context.Context, entry ActionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeStore) ListLogs(ctx context.Context) ([]ActionLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ActionLog, len(f.logs))
	copy(out, f.logs)
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
