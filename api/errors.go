package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

func statusForCode(code string) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeDuplicateTitle, domain.CodeReservedTitle, domain.CodeInvalid:
		return http.StatusBadRequest
	case domain.CodeConflict, domain.CodeDuplicateRequest:
		return http.StatusConflict
	case domain.CodeNoEligibleUser:
		return http.StatusUnprocessableEntity
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// writeError renders err as an ErrorBody with the matching status code.
func writeError(c echo.Context, err error) error {
	code := domain.CodeOf(err)
	body := ErrorBody{Error: err.Error(), Code: code}
	if ce, ok := domain.AsConflict(err); ok {
		body.Draft = &ce.Draft
		body.Current = &ce.Current
	}
	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	return c.JSON(status, body)
}

func errorWithCode(c echo.Context, code, msg string) error {
	return c.JSON(statusForCode(code), ErrorBody{Error: msg, Code: code})
}
