package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

const (
	taskPartition = "task"
	userPartition = "user"
	logPartition  = "log"

	edmInt64 = "Edm.Int64"

	maxDeleteAttempts = 3
)

// tableClient is the subset of *aztables.Client used by Tables.
type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Tables stores tasks, users and the action log in Azure Table Storage.
// Task updates are conditional on the entity ETag read in the same call.
type Tables struct {
	tasks tableClient
	users tableClient
	logs  tableClient
	now   func() time.Time
}

var _ domain.Store = (*Tables)(nil)

func tablesClientOptions() *aztables.ClientOptions {
	return &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewTables creates a Tables store from the given connection string.
func NewTables(connStr, tasksTable, usersTable, logsTable string) (*Tables, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tablesClientOptions())
	if err != nil {
		return nil, err
	}
	return &Tables{
		tasks: svc.NewClient(tasksTable),
		users: svc.NewClient(usersTable),
		logs:  svc.NewClient(logsTable),
		now:   time.Now,
	}, nil
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entityKeys
	Title            string `json:"Title"`
	Description      string `json:"Description"`
	Status           string `json:"Status"`
	Priority         string `json:"Priority"`
	AssignedTo       string `json:"AssignedTo"`
	CreatedAt        int64  `json:"CreatedAt,string"`
	CreatedAtType    string `json:"CreatedAt@odata.type"`
	LastModified     int64  `json:"LastModified,string"`
	LastModifiedType string `json:"LastModified@odata.type"`
	Revision         int64  `json:"Revision,string"`
	RevisionType     string `json:"Revision@odata.type"`
}

func newTaskEntity(t domain.Task) taskEntity {
	return taskEntity{
		entityKeys:       entityKeys{PartitionKey: taskPartition, RowKey: t.ID},
		Title:            t.Title,
		Description:      t.Description,
		Status:           string(t.Status),
		Priority:         string(t.Priority),
		AssignedTo:       t.AssignedTo,
		CreatedAt:        nanos(t.CreatedAt),
		CreatedAtType:    edmInt64,
		LastModified:     nanos(t.LastModified),
		LastModifiedType: edmInt64,
		Revision:         t.Revision,
		RevisionType:     edmInt64,
	}
}

func (e taskEntity) task() domain.Task {
	return domain.Task{
		ID:           e.RowKey,
		Title:        e.Title,
		Description:  e.Description,
		Status:       domain.Status(e.Status),
		Priority:     domain.Priority(e.Priority),
		AssignedTo:   e.AssignedTo,
		CreatedAt:    fromNanos(e.CreatedAt),
		LastModified: fromNanos(e.LastModified),
		Revision:     e.Revision,
	}
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return ent.task(), nil
}

type userEntity struct {
	entityKeys
	Name string `json:"Name"`
}

type logEntity struct {
	entityKeys
	ID            string `json:"ID"`
	UserID        string `json:"UserID"`
	TaskID        string `json:"TaskID"`
	TaskTitle     string `json:"TaskTitle"`
	Action        string `json:"Action"`
	Timestamp     int64  `json:"At,string"`
	TimestampType string `json:"At@odata.type"`
}

// logRowKey sorts newest first under the table's lexical RowKey order.
func logRowKey(e domain.ActionLog) string {
	return fmt.Sprintf("%019d-%s", math.MaxInt64-nanos(e.Timestamp), e.ID)
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// quote renders s as an OData string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func listAll(ctx context.Context, c tableClient, filter string, each func([]byte) error) error {
	pager := c.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range resp.Entities {
			if err := each(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Tables) ListTasks(ctx context.Context) ([]domain.Task, error) {
	tasks := []domain.Task{}
	err := listAll(ctx, s.tasks, "PartitionKey eq "+quote(taskPartition), func(data []byte) error {
		t, err := decodeTaskEntity(data)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Tables) getTask(ctx context.Context, id string) (*domain.Task, azcore.ETag, error) {
	resp, err := s.tasks.GetEntity(ctx, taskPartition, id, nil)
	if err != nil {
		if statusCode(err) == 404 {
			return nil, "", nil
		}
		return nil, "", err
	}
	t, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return nil, "", err
	}
	return &t, resp.ETag, nil
}

func (s *Tables) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, _, err := s.getTask(ctx, id)
	return t, err
}

func (s *Tables) FindTaskByTitle(ctx context.Context, title string) (*domain.Task, error) {
	var found *domain.Task
	err := listAll(ctx, s.tasks, "PartitionKey eq "+quote(taskPartition)+" and Title eq "+quote(title), func(data []byte) error {
		if found != nil {
			return nil
		}
		t, err := decodeTaskEntity(data)
		if err != nil {
			return err
		}
		found = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *Tables) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	now := domain.NextModified(time.Time{}, s.now())
	t.CreatedAt = now
	t.LastModified = now
	t.Revision = 1
	payload, err := sonic.Marshal(newTaskEntity(t))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.tasks.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateTask replaces the task if its stored revision still equals revision.
// The write is conditional on the ETag of the copy that was checked, so a
// writer slipping in between the read and the write also yields a conflict.
func (s *Tables) UpdateTask(ctx context.Context, t domain.Task, revision int64) (domain.Task, error) {
	cur, etag, err := s.getTask(ctx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if cur == nil {
		return domain.Task{}, domain.ErrNotFound
	}
	if cur.Revision != revision {
		return domain.Task{}, domain.ErrConcurrencyConflict
	}
	t.CreatedAt = cur.CreatedAt
	t.LastModified = domain.NextModified(cur.LastModified, s.now())
	t.Revision = cur.Revision + 1
	payload, err := sonic.Marshal(newTaskEntity(t))
	if err != nil {
		return domain.Task{}, err
	}
	_, err = s.tasks.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		switch statusCode(err) {
		case 412:
			return domain.Task{}, domain.ErrConcurrencyConflict
		case 404:
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, err
	}
	return t, nil
}

func (s *Tables) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	for attempt := 1; ; attempt++ {
		cur, etag, err := s.getTask(ctx, id)
		if err != nil {
			return domain.Task{}, err
		}
		if cur == nil {
			return domain.Task{}, domain.ErrNotFound
		}
		_, err = s.tasks.DeleteEntity(ctx, taskPartition, id, &aztables.DeleteEntityOptions{IfMatch: &etag})
		if err == nil {
			return *cur, nil
		}
		switch statusCode(err) {
		case 404:
			return domain.Task{}, domain.ErrNotFound
		case 412:
			if attempt < maxDeleteAttempts {
				continue
			}
			return domain.Task{}, domain.ErrConcurrencyConflict
		}
		return domain.Task{}, err
	}
}

func (s *Tables) ListUsers(ctx context.Context) ([]domain.User, error) {
	users := []domain.User{}
	err := listAll(ctx, s.users, "PartitionKey eq "+quote(userPartition), func(data []byte) error {
		var ent userEntity
		if err := sonic.Unmarshal(data, &ent); err != nil {
			return err
		}
		users = append(users, domain.User{ID: ent.RowKey, Name: ent.Name})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Tables) GetUser(ctx context.Context, id string) (*domain.User, error) {
	resp, err := s.users.GetEntity(ctx, userPartition, id, nil)
	if err != nil {
		if statusCode(err) == 404 {
			return nil, nil
		}
		return nil, err
	}
	var ent userEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &domain.User{ID: ent.RowKey, Name: ent.Name}, nil
}

// InsertUser creates the user or renames an existing one.
func (s *Tables) InsertUser(ctx context.Context, u domain.User) error {
	payload, err := sonic.Marshal(userEntity{entityKeys: entityKeys{PartitionKey: userPartition, RowKey: u.ID}, Name: u.Name})
	if err != nil {
		return err
	}
	_, err = s.users.UpsertEntity(ctx, payload, nil)
	return err
}

func (s *Tables) AppendLog(ctx context.Context, e domain.ActionLog) error {
	payload, err := sonic.Marshal(logEntity{
		entityKeys:    entityKeys{PartitionKey: logPartition, RowKey: logRowKey(e)},
		ID:            e.ID,
		UserID:        e.UserID,
		TaskID:        e.TaskID,
		TaskTitle:     e.TaskTitle,
		Action:        string(e.Action),
		Timestamp:     nanos(e.Timestamp),
		TimestampType: edmInt64,
	})
	if err != nil {
		return err
	}
	_, err = s.logs.AddEntity(ctx, payload, nil)
	return err
}

func (s *Tables) ListLogs(ctx context.Context) ([]domain.ActionLog, error) {
	logs := []domain.ActionLog{}
	err := listAll(ctx, s.logs, "PartitionKey eq "+quote(logPartition), func(data []byte) error {
		var ent logEntity
		if err := sonic.Unmarshal(data, &ent); err != nil {
			return err
		}
		logs = append(logs, domain.ActionLog{
			ID:        ent.ID,
			UserID:    ent.UserID,
			TaskID:    ent.TaskID,
			TaskTitle: ent.TaskTitle,
			Action:    domain.Action(ent.Action),
			Timestamp: fromNanos(ent.Timestamp),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}
