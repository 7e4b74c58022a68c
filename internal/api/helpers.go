package api

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/latentmesh/internal/faults"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// writeFault maps engine errors onto HTTP statuses: the caller can fix
// configuration and shape errors, everything else is on the server.
func writeFault(c *echo.Context, err error) error {
	kind := faults.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "configuration_error", "shape_invariant_violation":
		status = http.StatusBadRequest
	}
	return writeError(c, status, kind, err.Error(), "", "")
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func newStepID() string {
	return "step_" + uuid.NewString()
}
