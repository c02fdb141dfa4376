package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"geoanchor/internal/apperr"
	"geoanchor/internal/metrics"
	"geoanchor/internal/service"
)

const (
	uploadField = "image"
	// room for the multipart boundaries and headers around the file part
	multipartOverhead = 64 << 10
)

type uploadResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	ImageURL string `json:"imageUrl"`
	Filename string `json:"filename"`
}

func (h HandlerSet) UploadImage(c *gin.Context) {
	result, err := h.upload(c)
	h.metrics.Uploads.WithLabelValues(metrics.Result(err, rejected(err))).Inc()
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, uploadResponse{
		Success:  true,
		Message:  service.MsgUploadSuccess,
		ImageURL: requestBaseURL(c) + "/uploads/" + result.Filename,
		Filename: result.Filename,
	})
}

func (h HandlerSet) upload(c *gin.Context) (service.UploadResult, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.Storage.MaxUploadBytes+multipartOverhead)

	file, header, err := c.Request.FormFile(uploadField)
	if c.Request.MultipartForm != nil {
		defer c.Request.MultipartForm.RemoveAll()
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			return service.UploadResult{}, apperr.TooLarge(h.uploads.TooLargeMessage())
		}
		return service.UploadResult{}, &apperr.Error{Kind: apperr.KindInvalid, Message: service.MsgNoFile, Err: err}
	}
	defer file.Close()

	return h.uploads.Upload(c.Request.Context(), service.UploadInput{
		Field:  uploadField,
		File:   file,
		Header: header,
	})
}

// requestBaseURL rebuilds scheme://host as the client addressed us, honouring a
// TLS terminating proxy. Forwarded schemes other than http and https are ignored.
func requestBaseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		switch forwarded := strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0])); forwarded {
		case "http", "https":
			scheme = forwarded
		}
	}
	return scheme + "://" + c.Request.Host
}
