package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

func (s *Server) requireAdmin(c *gin.Context) bool {
	principal := principalFrom(c)
	if principal.Role != v1.RoleAdmin && principal.Role != v1.RoleSystem {
		s.respondError(c, v1.NewError(v1.KindPermissionDenied, "admin role required"))
		return false
	}
	return true
}

func (s *Server) getSettings(c *gin.Context) {
	all, err := s.settings.All(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": all})
}

type settingRequest struct {
	Value string `json:"value"`
}

func (s *Server) setSetting(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}

	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "bad_request", "message": err.Error()}})
		return
	}

	key := c.Param("key")
	if err := s.settings.Set(c.Request.Context(), key, req.Value); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{key: req.Value})
}
