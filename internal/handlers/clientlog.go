package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"geoanchor/internal/apperr"
	"geoanchor/internal/clientlog"
)

const (
	msgLogFailed = "Errore durante la registrazione del log"
	maxLogBody   = 1 << 20
)

func (h HandlerSet) ClientLog(c *gin.Context) {
	body, err := readBody(c, maxLogBody)
	if err != nil {
		h.fail(c, err)
		return
	}

	entry, err := clientlog.Decode(body)
	if err != nil {
		h.fail(c, &apperr.Error{Kind: apperr.KindInvalid, Message: msgInvalidJSON, Err: err})
		return
	}

	line, err := clientlog.Format(time.Now(), entry)
	if err != nil {
		h.fail(c, apperr.Internal(msgLogFailed, err))
		return
	}
	clientlog.Emit(h.log, entry.Level, line)

	c.JSON(http.StatusOK, gin.H{"success": true})
}
