package domain

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultOperationTimeout = 10 * time.Second
	sideEffectTimeout       = 5 * time.Second
	maxCommitAttempts       = 5
)

// TaskService is the only write path for tasks. Every mutation commits to the
// store first, then appends to the action log, then publishes an event.
type TaskService struct {
	store   Store
	events  Publisher
	log     *log.Logger
	guard   RevisionGuard
	tracer  trace.Tracer
	timeout time.Duration
	now     func() time.Time
	newID   func() string

	lastStamp atomic.Int64
}

// Option customises a TaskService.
type Option func(*TaskService)

// WithTimeout bounds every operation. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *TaskService) { s.timeout = d }
}

// WithClock replaces the wall clock used for audit and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *TaskService) { s.now = now }
}

// WithIDs replaces the id generator.
func WithIDs(newID func() string) Option {
	return func(s *TaskService) { s.newID = newID }
}

func NewTaskService(store Store, events Publisher, logger *log.Logger, opts ...Option) *TaskService {
	if store == nil {
		panic("domain.NewTaskService: store is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &TaskService{
		store:   store,
		events:  events,
		log:     logger,
		tracer:  otel.Tracer("taskboard/domain"),
		timeout: defaultOperationTimeout,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and stores a new task.
func (s *TaskService) Create(ctx context.Context, actor string, req CreateTask) (view TaskView, err error) {
	ctx, finish := s.begin(ctx, "task.create", attribute.String("actor", actor))
	defer func() { finish(err) }()

	if err := req.Normalize(); err != nil {
		return TaskView{}, err
	}
	if IsStageName(req.Title) {
		return TaskView{}, ErrReservedTitle
	}
	existing, err := s.store.FindTaskByTitle(ctx, req.Title)
	if err != nil {
		return TaskView{}, storageErr("find task", err)
	}
	if existing != nil {
		return TaskView{}, ErrDuplicateTitle
	}
	assignee, err := s.requireUser(ctx, req.assignee())
	if err != nil {
		return TaskView{}, err
	}

	stored, err := s.store.InsertTask(ctx, Task{
		ID:          s.newID(),
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
		AssignedTo:  req.assignee(),
	})
	if err != nil {
		return TaskView{}, storageErr("insert task", err)
	}
	view = TaskView{Task: stored, Assignee: assignee}
	s.afterCommit(ctx, actor, ActionCreated, stored, &view)
	return view, nil
}

// Update applies an edit. Unless req.Force is set, the edit must be based on
// the currently stored version of the task or a *ConflictError is returned.
func (s *TaskService) Update(ctx context.Context, actor, id string, req UpdateTask) (view TaskView, err error) {
	ctx, finish := s.begin(ctx, "task.update", attribute.String("actor", actor), attribute.String("task", id), attribute.Bool("force", req.Force))
	defer func() { finish(err) }()

	if err := req.Validate(); err != nil {
		return TaskView{}, err
	}
	cur, err := s.load(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	curView, err := s.view(ctx, *cur)
	if err != nil {
		return TaskView{}, err
	}
	if err := s.guard.Check(curView, req); err != nil {
		s.log.WithFields(log.Fields{"task": id, "user": actor, "revision": cur.Revision}).Debug("stale task update rejected")
		return TaskView{}, err
	}
	var assignee *UserRef
	if req.AssignedTo.Set {
		if assignee, err = s.requireUser(ctx, req.AssignedTo.ID); err != nil {
			return TaskView{}, err
		}
	}

	stored, err := s.commit(ctx, *cur, req.ApplyTo, func(latest Task) error {
		if req.Force {
			return nil
		}
		lv, err := s.view(ctx, latest)
		if err != nil {
			return err
		}
		return &ConflictError{Draft: req, Current: lv}
	})
	if err != nil {
		return TaskView{}, err
	}
	view = TaskView{Task: stored, Assignee: assignee}
	if !req.AssignedTo.Set && stored.AssignedTo != "" {
		// the write is committed, so a failed lookup only loses the name
		if v, verr := s.view(ctx, stored); verr == nil {
			view = v
		} else {
			view.Assignee = &UserRef{ID: stored.AssignedTo}
		}
	}
	s.afterCommit(ctx, actor, ActionUpdated, stored, &view)
	return view, nil
}

// Delete removes a task. The audit entry keeps the id and title.
func (s *TaskService) Delete(ctx context.Context, actor, id string) (err error) {
	ctx, finish := s.begin(ctx, "task.delete", attribute.String("actor", actor), attribute.String("task", id))
	defer func() { finish(err) }()

	removed, err := s.store.DeleteTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return storageErr("delete task", err)
	}
	s.afterCommit(ctx, actor, ActionDeleted, removed, nil)
	return nil
}

// SmartAssign assigns the task to the user with the fewest active tasks.
func (s *TaskService) SmartAssign(ctx context.Context, actor, id string) (view TaskView, err error) {
	ctx, finish := s.begin(ctx, "task.smart_assign", attribute.String("actor", actor), attribute.String("task", id))
	defer func() { finish(err) }()

	cur, err := s.load(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return TaskView{}, storageErr("list users", err)
	}
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return TaskView{}, storageErr("list tasks", err)
	}
	user, err := PickLeastLoaded(users, tasks)
	if err != nil {
		return TaskView{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("assignee", user.ID))

	stored, err := s.commit(ctx, *cur, func(t Task) Task {
		t.AssignedTo = user.ID
		return t
	}, nil)
	if err != nil {
		return TaskView{}, err
	}
	view = TaskView{Task: stored, Assignee: &UserRef{ID: user.ID, Name: user.Name}}
	s.afterCommit(ctx, actor, ActionUpdated, stored, &view)
	return view, nil
}

// GetTask returns a single task with its assignee resolved.
func (s *TaskService) GetTask(ctx context.Context, id string) (view TaskView, err error) {
	ctx, finish := s.begin(ctx, "task.get", attribute.String("task", id))
	defer func() { finish(err) }()

	t, err := s.load(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	return s.view(ctx, *t)
}

// ListTasks returns every task in creation order with assignees resolved.
func (s *TaskService) ListTasks(ctx context.Context) (views []TaskView, err error) {
	ctx, finish := s.begin(ctx, "task.list")
	defer func() { finish(err) }()

	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	users, err := s.userIndex(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	views = make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, TaskView{Task: t, Assignee: users.ref(t.AssignedTo)})
	}
	return views, nil
}

// ListUsers returns all board members ordered by name.
func (s *TaskService) ListUsers(ctx context.Context) (users []User, err error) {
	ctx, finish := s.begin(ctx, "user.list")
	defer func() { finish(err) }()

	users, err = s.store.ListUsers(ctx)
	if err != nil {
		return nil, storageErr("list users", err)
	}
	sort.SliceStable(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

// ListLogs returns the audit trail newest first. Task titles come from the
// live task when it still exists and from the entry's snapshot otherwise.
func (s *TaskService) ListLogs(ctx context.Context) (views []LogView, err error) {
	ctx, finish := s.begin(ctx, "log.list")
	defer func() { finish(err) }()

	entries, err := s.store.ListLogs(ctx)
	if err != nil {
		return nil, storageErr("list logs", err)
	}
	users, err := s.userIndex(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	titles := make(map[string]string, len(tasks))
	for _, t := range tasks {
		titles[t.ID] = t.Title
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	views = make([]LogView, 0, len(entries))
	for _, e := range entries {
		v := LogView{
			ID:        e.ID,
			UserID:    e.UserID,
			UserName:  users[e.UserID].Name,
			TaskID:    e.TaskID,
			TaskTitle: e.TaskTitle,
			Action:    e.Action,
			Timestamp: e.Timestamp,
		}
		if title, ok := titles[e.TaskID]; ok {
			v.TaskTitle = title
		} else {
			v.TaskGone = true
		}
		views = append(views, v)
	}
	return views, nil
}

// commit writes mutate(cur) with compare-and-swap on cur.Revision. When another
// writer got there first, onRace decides: a nil result retries against the
// latest copy, anything else is returned. A nil onRace always retries.
func (s *TaskService) commit(ctx context.Context, cur Task, mutate func(Task) Task, onRace func(latest Task) error) (Task, error) {
	for attempt := 1; ; attempt++ {
		stored, err := s.store.UpdateTask(ctx, mutate(cur), cur.Revision)
		if err == nil {
			return stored, nil
		}
		if errors.Is(err, ErrNotFound) {
			return Task{}, ErrNotFound
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return Task{}, storageErr("update task", err)
		}
		latest, err := s.load(ctx, cur.ID)
		if err != nil {
			return Task{}, err
		}
		if onRace != nil {
			if err := onRace(*latest); err != nil {
				return Task{}, err
			}
		}
		if attempt >= maxCommitAttempts {
			return Task{}, storageErr("update task", ErrConcurrencyConflict)
		}
		s.log.WithFields(log.Fields{"task": cur.ID, "attempt": attempt, "revision": latest.Revision}).Debug("retrying task write after concurrent update")
		cur = *latest
	}
}

// afterCommit runs the post-commit side effects in order. Neither may fail
// the operation, and neither is cut short by the caller going away.
func (s *TaskService) afterCommit(ctx context.Context, actor string, action Action, t Task, view *TaskView) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	entry := ActionLog{
		ID:        s.newID(),
		UserID:    actor,
		TaskID:    t.ID,
		TaskTitle: t.Title,
		Action:    action,
		Timestamp: s.stamp(),
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.log.WithError(err).WithFields(log.Fields{"task": t.ID, "action": action, "user": actor}).Error("failed to append action log")
	}

	if s.events == nil {
		return
	}
	ev := Event{ID: s.newID(), TaskID: t.ID, Task: view, Time: s.stamp().UnixNano()}
	switch action {
	case ActionCreated:
		ev.Type = TaskCreated
	case ActionUpdated:
		ev.Type = TaskUpdated
	case ActionDeleted:
		ev.Type = TaskDeleted
		ev.Task = nil
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithFields(log.Fields{"task": t.ID, "event": ev.Type}).Warn("failed to publish task event")
	}
}

// stamp returns strictly increasing wall-clock times so audit entries written
// in quick succession keep their order.
func (s *TaskService) stamp() time.Time {
	for {
		now := s.now().UTC().Truncate(time.Microsecond).UnixNano()
		last := s.lastStamp.Load()
		if now <= last {
			now = last + int64(time.Microsecond)
		}
		if s.lastStamp.CompareAndSwap(last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}

func (s *TaskService) load(ctx context.Context, id string) (*Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, storageErr("get task", err)
	}
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *TaskService) view(ctx context.Context, t Task) (TaskView, error) {
	if t.AssignedTo == "" {
		return TaskView{Task: t}, nil
	}
	u, err := s.store.GetUser(ctx, t.AssignedTo)
	if err != nil {
		return TaskView{}, storageErr("get user", err)
	}
	ref := &UserRef{ID: t.AssignedTo}
	if u != nil {
		ref.Name = u.Name
	}
	return TaskView{Task: t, Assignee: ref}, nil
}

// requireUser resolves an assignee id from a request. An empty id means
// unassigned.
func (s *TaskService) requireUser(ctx context.Context, id string) (*UserRef, error) {
	if id == "" {
		return nil, nil
	}
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, storageErr("get user", err)
	}
	if u == nil {
		return nil, invalid("assignedTo", "unknown user "+id)
	}
	return &UserRef{ID: u.ID, Name: u.Name}, nil
}

type userIndex map[string]User

func (idx userIndex) ref(id string) *UserRef {
	if id == "" {
		return nil
	}
	return &UserRef{ID: id, Name: idx[id].Name}
}

func (s *TaskService) userIndex(ctx context.Context) (userIndex, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, storageErr("list users", err)
	}
	idx := make(userIndex, len(users))
	for _, u := range users {
		idx[u.ID] = u
	}
	return idx, nil
}

// begin opens a span and applies the operation timeout. The returned func
// records the outcome and releases both.
func (s *TaskService) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	cancel := context.CancelFunc(func() {})
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func(err error) {
		cancel()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
