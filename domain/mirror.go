package domain

import (
	"sort"
	"sync"
)

// Mirror is a session's local, disposable copy of the task set. It is only
// ever changed by a full snapshot or by broadcast events.
type Mirror struct {
	mu    sync.RWMutex
	order []string
	tasks map[string]TaskView
}

func NewMirror() *Mirror {
	return &Mirror{tasks: make(map[string]TaskView)}
}

// Replace discards the current contents in favour of a fresh full fetch.
func (m *Mirror) Replace(tasks []TaskView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceLocked(tasks)
}

func (m *Mirror) replaceLocked(tasks []TaskView) {
	m.order = make([]string, 0, len(tasks))
	m.tasks = make(map[string]TaskView, len(tasks))
	for _, t := range tasks {
		if _, ok := m.tasks[t.ID]; ok {
			continue
		}
		m.order = append(m.order, t.ID)
		m.tasks[t.ID] = t
	}
}

// Apply reconciles a single event and reports whether the mirror changed.
func (m *Mirror) Apply(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Type {
	case TaskCreated:
		if ev.Task == nil {
			return false
		}
		if _, ok := m.tasks[ev.Task.ID]; ok {
			return false
		}
		m.order = append(m.order, ev.Task.ID)
		m.tasks[ev.Task.ID] = *ev.Task
		return true
	case TaskUpdated:
		if ev.Task == nil {
			return false
		}
		if _, ok := m.tasks[ev.Task.ID]; !ok {
			return false
		}
		m.tasks[ev.Task.ID] = *ev.Task
		return true
	case TaskDeleted:
		if _, ok := m.tasks[ev.TaskID]; !ok {
			return false
		}
		delete(m.tasks, ev.TaskID)
		for i, id := range m.order {
			if id == ev.TaskID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		return true
	case Snapshot:
		m.replaceLocked(ev.Tasks)
		return true
	}
	return false
}

// Get returns the mirrored copy of a task.
func (m *Mirror) Get(id string) (TaskView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Tasks returns the mirrored tasks in arrival order.
func (m *Mirror) Tasks() []TaskView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskView, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id])
	}
	return out
}

// Column returns the mirrored tasks in one workflow stage, ordered by title.
func (m *Mirror) Column(s Status) []TaskView {
	var out []TaskView
	for _, t := range m.Tasks() {
		if t.Status == s {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}
