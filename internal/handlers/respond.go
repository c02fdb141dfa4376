package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"geoanchor/internal/apperr"
	"geoanchor/internal/middleware"
)

const (
	msgInternal     = "Errore interno del server"
	msgBodyTooLarge = "Richiesta troppo grande"
	msgInvalidJSON  = "JSON non valido"

	maxJSONBody = 10 << 20
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// fail writes the error envelope. Server-side failures are logged with their
// cause; client mistakes only at debug.
func (h HandlerSet) fail(c *gin.Context, err error) {
	appErr := apperr.From(err, msgInternal)
	status := appErr.Kind.Status()

	event := h.log.Debug()
	if status >= http.StatusInternalServerError {
		event = h.log.Error()
	}
	event.Err(err).
		Str("kind", appErr.Kind.String()).
		Str("path", c.Request.URL.Path).
		Str("request_id", middleware.GetRequestID(c)).
		Msg("request failed")

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorResponse{
		Success: false,
		Error:   appErr.Message,
		Details: appErr.Details,
	})
}

// rejected reports whether err is the client's fault, for metric labels.
func rejected(err error) bool {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Kind {
	case apperr.KindInvalid, apperr.KindTooLarge, apperr.KindNotFound:
		return true
	}
	return false
}

// readJSON reads a bounded request body and decodes it into out. An empty body
// leaves out untouched.
func readJSON(c *gin.Context, out any) error {
	body, err := readBody(c, maxJSONBody)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &apperr.Error{Kind: apperr.KindInvalid, Message: msgInvalidJSON, Err: err}
	}
	return nil
}

func readBody(c *gin.Context, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, apperr.TooLarge(msgBodyTooLarge)
		}
		return nil, apperr.Invalid(msgInvalidJSON)
	}
	return body, nil
}
