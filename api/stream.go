package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

var (
	heartbeatInterval = 15 * time.Second
	wsWriteTimeout    = 5 * time.Second
)

// snapshot subscribes first and then loads the task list, so no event
// committed after the load can be missed by the session.
func snapshot(ctx context.Context, svc TaskService, events Subscriber) (<-chan domain.Event, domain.Event, error) {
	sub := events.Subscribe()
	tasks, err := svc.ListTasks(ctx)
	if err != nil {
		events.Unsubscribe(sub)
		return nil, domain.Event{}, err
	}
	return sub, domain.Event{ID: uuid.NewString(), Type: domain.Snapshot, Tasks: tasks, Time: time.Now().UnixNano()}, nil
}

func writeSSE(w io.Writer, ev domain.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

// streamEvents serves the board's events as Server-Sent Events. The first
// event is always a snapshot of every task.
func streamEvents(svc TaskService, events Subscriber, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		ctx := c.Request().Context()
		sub, first, err := snapshot(ctx, svc, events)
		if err != nil {
			return fail(c, err)
		}
		defer events.Unsubscribe(sub)

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)

		w := c.Response()
		if err := writeSSE(w, first); err != nil {
			return err
		}
		flusher.Flush()

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
					return nil
				}
			case ev, ok := <-sub:
				if !ok {
					// dropped by the hub; ending the stream makes the client reconnect and reload
					logger.WithField("user", actor(c)).Info("closing event stream for slow session")
					return nil
				}
				if err := writeSSE(w, ev); err != nil {
					return nil
				}
			}
			flusher.Flush()
		}
	}
}

// streamWebSocket serves the same event feed as JSON text frames.
func streamWebSocket(svc TaskService, events Subscriber, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		sub, first, err := snapshot(c.Request().Context(), svc, events)
		if err != nil {
			return fail(c, err)
		}
		defer events.Unsubscribe(sub)

		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			logger.WithError(err).Warn("websocket accept failed")
			return nil
		}
		defer conn.CloseNow()
		// the client never sends; reading in the background handles pings and close frames
		ctx := conn.CloseRead(c.Request().Context())

		send := func(ev domain.Event) error {
			data, err := sonic.Marshal(ev)
			if err != nil {
				return err
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			defer cancel()
			return conn.Write(wctx, websocket.MessageText, data)
		}
		if err := send(first); err != nil {
			return nil
		}

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
				err := conn.Ping(pctx)
				cancel()
				if err != nil {
					return nil
				}
			case ev, ok := <-sub:
				if !ok {
					logger.WithField("user", actor(c)).Info("closing websocket for slow session")
					_ = conn.Close(websocket.StatusTryAgainLater, "too slow, reconnect")
					return nil
				}
				if err := send(ev); err != nil {
					return nil
				}
			}
		}
	}
}
