package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
)

func event(typ, id string) domain.Event {
	return domain.Event{ID: id + "-" + typ, Type: typ, TaskID: id}
}

func TestHubBroadcastsToAllSubscribers(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := NewHub(4, logger)
	a, b := h.Subscribe(), h.Subscribe()

	if err := h.Publish(context.Background(), event(domain.TaskCreated, "t1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []<-chan domain.Event{a, b} {
		select {
		case ev := <-ch:
			if ev.TaskID != "t1" {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("no event received")
		}
	}

	h.Unsubscribe(a)
	h.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	_ = h.Publish(context.Background(), event(domain.TaskDeleted, "t1"))
	if h.Len() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.Len())
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := NewHub(1, logger)
	slow := h.Subscribe()
	fast := h.Subscribe()

	_ = h.Publish(context.Background(), event(domain.TaskCreated, "t1"))
	<-fast
	_ = h.Publish(context.Background(), event(domain.TaskCreated, "t2"))

	if h.Len() != 1 {
		t.Fatalf("slow subscriber must be dropped, have %d", h.Len())
	}
	if ev := <-slow; ev.TaskID != "t1" {
		t.Fatalf("buffered event lost: %+v", ev)
	}
	if _, ok := <-slow; ok {
		t.Fatal("slow subscriber channel must be closed")
	}
	if ev := <-fast; ev.TaskID != "t2" {
		t.Fatalf("fast subscriber missed an event: %+v", ev)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Message != "dropping slow subscriber" {
		t.Fatalf("expected drop to be logged")
	}
	h.Unsubscribe(slow)
}

func TestHubPreservesPublishOrder(t *testing.T) {
	h := NewHub(16, nil)
	ch := h.Subscribe()
	want := []string{domain.TaskCreated, domain.TaskUpdated, domain.TaskDeleted}
	for _, typ := range want {
		_ = h.Publish(context.Background(), event(typ, "t1"))
	}
	h.Close()
	var got []string
	for ev := range ch {
		got = append(got, ev.Type)
	}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

type publisherFunc func(ctx context.Context, ev domain.Event) error

func (f publisherFunc) Publish(ctx context.Context, ev domain.Event) error { return f(ctx, ev) }

func TestFanoutJoinsErrors(t *testing.T) {
	var calls int
	boom := errors.New("boom")
	f := Fanout{
		publisherFunc(func(context.Context, domain.Event) error { calls++; return boom }),
		nil,
		publisherFunc(func(context.Context, domain.Event) error { calls++; return nil }),
	}
	err := f.Publish(context.Background(), event(domain.TaskCreated, "t1"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("every publisher must be tried, got %d calls", calls)
	}
}

func TestRedisRelay(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	logger, _ := test.NewNullLogger()
	hub := NewHub(8, logger)
	sub := hub.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Relay(ctx, logger, rc, "events", hub)
		close(done)
	}()
	// wait for subscription to start
	deadline := time.Now().Add(time.Second)
	for m.PubSubNumSub("events")["events"] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := rc.Publish(context.Background(), "events", "not json").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	pub := NewRedisPublisher(rc, "events")
	task := &domain.TaskView{Task: domain.Task{ID: "t1", Title: "Relayed", Revision: 3}}
	if err := pub.Publish(context.Background(), domain.Event{ID: "e1", Type: domain.TaskUpdated, TaskID: "t1", Task: task}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-sub:
		if ev.Type != domain.TaskUpdated || ev.Task == nil || ev.Task.Title != "Relayed" || ev.Task.Revision != 3 {
			t.Fatalf("unexpected relayed event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not relayed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Relay did not exit")
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestQueuePublisher(t *testing.T) {
	q := &fakeQueue{}
	p := NewQueuePublisher(q)
	if err := p.Publish(context.Background(), event(domain.TaskDeleted, "t9")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(q.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(q.messages))
	}
	var ev domain.Event
	if err := sonic.UnmarshalString(q.messages[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != domain.TaskDeleted || ev.TaskID != "t9" || ev.Task != nil {
		t.Fatalf("unexpected message %+v", ev)
	}

	q.err = errors.New("queue unavailable")
	if err := p.Publish(context.Background(), event(domain.TaskDeleted, "t9")); err == nil {
		t.Fatal("expected enqueue error")
	}
}
