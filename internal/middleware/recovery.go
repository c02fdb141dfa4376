package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const internalErrorMessage = "Errore interno del server"

// Recovery answers a panicking handler with the same envelope the handlers use
// for their own errors.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("path", c.Request.URL.Path).
					Str("request_id", GetRequestID(c)).
					Msg("panic recovered")
				if c.Writer.Written() {
					c.Abort()
					return
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"error":   internalErrorMessage,
				})
			}
		}()
		c.Next()
	}
}
