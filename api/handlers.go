package api

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	maxBodySize          = 64 << 10
	headerIdempotencyKey = "Idempotency-Key"
)

// Register wires up all API routes on the provided Echo instance. A nil
// deduper disables Idempotency-Key handling.
func Register(e *echo.Echo, svc TaskService, auth Authenticator, deduper Deduper, events Subscriber, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.Use(RequestMetrics(logger), GzipRequestMiddleware())
	e.GET("/healthz", healthz())

	authed := RequireUser(auth)
	e.GET("/tasks", listTasks(svc), authed)
	e.POST("/tasks", createTask(svc, deduper, logger), authed)
	e.GET("/tasks/:id", getTask(svc), authed)
	e.PUT("/tasks/:id", updateTask(svc), authed)
	e.DELETE("/tasks/:id", deleteTask(svc), authed)
	e.POST("/tasks/:id/smart-assign", smartAssign(svc), authed)
	e.GET("/users", listUsers(svc), authed)
	e.GET("/logs", listLogs(svc), authed)
	e.GET("/events", streamEvents(svc, events, logger), authed)
	e.GET("/ws", streamWebSocket(svc, events, logger), authed)
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// fail renders err and records it for the request log.
func fail(c echo.Context, err error) error {
	if m := metricsFrom(c); m != nil {
		m.SetError(err)
		m.SetErrorStage(domain.CodeOf(err))
	}
	return writeError(c, err)
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Reason: "invalid body: " + err.Error()}
	}
	return nil
}

func listTasks(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		tasks, err := svc.ListTasks(c.Request().Context())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	}
}

func getTask(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := svc.GetTask(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func createTask(svc TaskService, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID := actor(c)
		var req domain.CreateTask
		if err := decodeBody(c, &req); err != nil {
			return fail(c, err)
		}

		key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
		if key != "" && deduper != nil {
			added, err := deduper.Add(ctx, userID, key)
			switch {
			case err != nil:
				logger.WithError(err).WithField("user", userID).Warn("idempotency check unavailable")
				key = ""
			case !added:
				return errorWithCode(c, domain.CodeDuplicateRequest, "request already processed")
			}
		}

		task, err := svc.Create(ctx, userID, req)
		if err != nil {
			if key != "" && deduper != nil {
				if rerr := deduper.Remove(context.WithoutCancel(ctx), userID, key); rerr != nil {
					logger.WithError(rerr).Warn("failed to release idempotency key")
				}
			}
			return fail(c, err)
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func updateTask(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req domain.UpdateTask
		if err := decodeBody(c, &req); err != nil {
			return fail(c, err)
		}
		task, err := svc.Update(c.Request().Context(), actor(c), c.Param("id"), req)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.Delete(c.Request().Context(), actor(c), c.Param("id")); err != nil {
			return fail(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func smartAssign(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := svc.SmartAssign(c.Request().Context(), actor(c), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func listUsers(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		users, err := svc.ListUsers(c.Request().Context())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, usersResponse{Users: users})
	}
}

func listLogs(svc TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		logs, err := svc.ListLogs(c.Request().Context())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, logsResponse{Logs: logs})
	}
}
