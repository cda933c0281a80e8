package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"eyecare/api/internal/middleware"
	"eyecare/api/internal/service"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{service.ErrInvalidFileType, http.StatusUnsupportedMediaType, "invalid_file_type"},
	{service.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "file_too_large"},
	{service.ErrCaseNotFound, http.StatusNotFound, "case_not_found"},
	{service.ErrImageNotFound, http.StatusNotFound, "image_not_found"},
	{service.ErrAccessDenied, http.StatusForbidden, "access_denied"},
	{service.ErrStorageUnavailable, http.StatusServiceUnavailable, "storage_unavailable"},
	{service.ErrProcessingFailure, http.StatusUnprocessableEntity, "processing_failure"},
	{service.ErrEmptyFile, http.StatusBadRequest, "empty_file"},
	{service.ErrInvalidKey, http.StatusBadRequest, "invalid_key"},
	{service.ErrInvalidMetadata, http.StatusBadRequest, "invalid_metadata"},
	{service.ErrUnsupported, http.StatusNotImplemented, "unsupported"},
	{service.ErrObjectExists, http.StatusConflict, "object_exists"},
}

func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_server_error"
}

// respondError writes the mapped status and code. Server-side failures are
// logged in full; their detail reaches the client only outside production.
func (h HandlerSet) respondError(c *gin.Context, err error) {
	status, code := classify(err)
	body := gin.H{"error": code}

	serverSide := status >= http.StatusInternalServerError || errors.Is(err, service.ErrProcessingFailure)
	if serverSide {
		h.log.Error().
			Err(err).
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Str("request_id", middleware.CurrentRequestID(c)).
			Msg("request failed")
		if !h.cfg.IsProduction() {
			body["detail"] = err.Error()
		}
	} else {
		h.log.Debug().Err(err).Int("status", status).Str("path", c.FullPath()).Msg("request rejected")
	}

	c.AbortWithStatusJSON(status, body)
}
