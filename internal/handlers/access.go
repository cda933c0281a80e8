package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"eyecare/api/internal/access"
)

// CheckAccess answers whether the caller may read a patient-owned record,
// so other parts of the records layer apply the same ownership rule.
func (h HandlerSet) CheckAccess(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	kind := access.Kind(c.Param("kind"))
	err := h.guard.Authorize(c.Request.Context(), identity, kind, c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"allowed": true})
	case errors.Is(err, access.ErrNoLookup):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_kind"})
	case errors.Is(err, access.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, access.ErrDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
	default:
		h.log.Error().Err(err).Str("kind", string(kind)).Msg("access check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
	}
}
