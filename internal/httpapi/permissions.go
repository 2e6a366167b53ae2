package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/webmixgamer/trinity/internal/identity"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

func (s *Server) listPermissions(c *gin.Context) {
	edges, err := s.graph.Edges(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges})
}

type grantRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func (s *Server) grantPermission(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Source == "" || req.Target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "bad_request", "message": "source and target are required"}})
		return
	}

	// Granting requires write access to the source agent; the target only
	// needs to exist.
	principal := principalFrom(c)
	source, err := s.identity.Get(c.Request.Context(), principal, req.Source)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !identity.CanAccess(principal, source, v1.ScopeWrite) {
		s.respondError(c, v1.NewError(v1.KindPermissionDenied, "write access to %s denied", source.Name))
		return
	}
	if _, err := s.identity.Store().Get(c.Request.Context(), req.Target); err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.graph.Grant(c.Request.Context(), req.Source, req.Target, principal.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"source": req.Source, "target": req.Target})
}

func (s *Server) revokePermission(c *gin.Context) {
	source, target := c.Param("source"), c.Param("target")

	principal := principalFrom(c)
	agent, err := s.identity.Get(c.Request.Context(), principal, source)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !identity.CanAccess(principal, agent, v1.ScopeWrite) {
		s.respondError(c, v1.NewError(v1.KindPermissionDenied, "write access to %s denied", agent.Name))
		return
	}

	if err := s.graph.Revoke(c.Request.Context(), source, target); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": gin.H{"source": source, "target": target}})
}

func (s *Server) agentPeers(c *gin.Context) {
	agent, err := s.identity.Get(c.Request.Context(), principalFrom(c), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	peers, err := s.graph.Peers(c.Request.Context(), agent.Name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}
