package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	minBackoff     = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	maxEventLength = 8 << 20
)

// Session keeps a Mirror of the board in sync with the server's event stream.
// Every (re)connect starts with a snapshot that replaces the mirror, so events
// missed while disconnected are never needed.
type Session struct {
	client *Client
	mirror *domain.Mirror
	log    *log.Logger

	// OnEvent, when set, is called after each event is applied.
	OnEvent func(domain.Event)
}

// NewSession creates a session reading from c's /events stream.
func (c *Client) NewSession(logger *log.Logger) *Session {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Session{client: c, mirror: domain.NewMirror(), log: logger}
}

// Mirror returns the session's local copy of the board.
func (s *Session) Mirror() *domain.Mirror { return s.mirror }

// Board groups the mirrored tasks by workflow stage, each column ordered by title.
func (s *Session) Board() map[domain.Status][]domain.TaskView {
	board := make(map[domain.Status][]domain.TaskView, len(domain.Stages))
	for _, st := range domain.Stages {
		board[st] = s.mirror.Column(st)
	}
	return board
}

// Run streams events until ctx is cancelled, reconnecting with exponential
// backoff. Authentication failures are returned immediately.
func (s *Session) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		synced, err := s.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return err
		}
		if synced {
			backoff = minBackoff
		}
		s.log.WithError(err).WithField("retry_in", backoff).Info("event stream disconnected")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// stream consumes one connection. synced reports whether a snapshot arrived.
func (s *Session) stream(ctx context.Context) (synced bool, err error) {
	req, err := s.client.newRequest(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	// the stream is long lived, so the client's request timeout must not apply
	hc := *s.client.httpClient()
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventLength)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev domain.Event
			if err := sonic.UnmarshalString(data.String(), &ev); err != nil {
				return synced, fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			s.mirror.Apply(ev)
			if ev.Type == domain.Snapshot {
				synced = true
			}
			if s.OnEvent != nil {
				s.OnEvent(ev)
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return synced, err
	}
	return synced, errors.New("stream closed by server")
}
