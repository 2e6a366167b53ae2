package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/webmixgamer/trinity/internal/identity"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

type createAgentRequest struct {
	Name             string                `json:"name"`
	TemplateRef      string                `json:"template_ref"`
	Resources        v1.ResourceLimits     `json:"resources"`
	Runtime          v1.RuntimeKind        `json:"runtime"`
	Model            string                `json:"model"`
	FullCapabilities bool                  `json:"full_capabilities"`
	SystemProtected  bool                  `json:"system_protected"`
	Worker           bool                  `json:"worker"`
	SharedFolders    v1.SharedFolderConfig `json:"shared_folders"`
}

func (s *Server) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "bad_request", "message": err.Error()}})
		return
	}

	agent, err := s.identity.Create(c.Request.Context(), principalFrom(c), identity.CreateRequest{
		Name:             req.Name,
		TemplateRef:      req.TemplateRef,
		Resources:        req.Resources,
		Runtime:          req.Runtime,
		Model:            req.Model,
		FullCapabilities: req.FullCapabilities,
		SystemProtected:  req.SystemProtected,
		Worker:           req.Worker,
		SharedFolders:    req.SharedFolders,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.identity.List(c.Request.Context(), principalFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.identity.Get(c.Request.Context(), principalFrom(c), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.lifecycle.Delete(c.Request.Context(), principalFrom(c), c.Param("name")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
}

func (s *Server) startAgent(c *gin.Context) {
	if err := s.lifecycle.Start(c.Request.Context(), principalFrom(c), c.Param("name")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "state": v1.AgentStateRunning})
}

func (s *Server) stopAgent(c *gin.Context) {
	if err := s.lifecycle.Stop(c.Request.Context(), principalFrom(c), c.Param("name")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "state": v1.AgentStateStopped})
}

func (s *Server) restartAgent(c *gin.Context) {
	if err := s.lifecycle.Restart(c.Request.Context(), principalFrom(c), c.Param("name")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "state": v1.AgentStateRunning})
}

func (s *Server) reinitializeAgent(c *gin.Context) {
	if err := s.lifecycle.Reinitialize(c.Request.Context(), principalFrom(c), c.Param("name")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "state": v1.AgentStateRunning})
}

func (s *Server) agentHealth(c *gin.Context) {
	info, stats, err := s.lifecycle.Health(c.Request.Context(), principalFrom(c), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"container": info, "stats": stats})
}

func (s *Server) agentLogs(c *gin.Context) {
	tail, err := strconv.Atoi(c.DefaultQuery("tail", "200"))
	if err != nil || tail <= 0 {
		tail = 200
	}
	reader, err := s.lifecycle.Logs(c.Request.Context(), principalFrom(c), c.Param("name"), tail)
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	io.Copy(c.Writer, reader)
}

type autonomyRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setAutonomy(c *gin.Context) {
	var req autonomyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "bad_request", "message": err.Error()}})
		return
	}
	if err := s.identity.SetAutonomy(c.Request.Context(), principalFrom(c), c.Param("name"), req.Enabled); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "autonomy": req.Enabled})
}

type shareRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) shareAgent(c *gin.Context) {
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "bad_request", "message": "user_id is required"}})
		return
	}
	if err := s.identity.Share(c.Request.Context(), principalFrom(c), c.Param("name"), req.UserID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "shared_with": req.UserID})
}

func (s *Server) unshareAgent(c *gin.Context) {
	if err := s.identity.Unshare(c.Request.Context(), principalFrom(c), c.Param("name"), c.Param("userId")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "unshared": c.Param("userId")})
}

// reloadCredentials rewrites the agent's workspace .env from its credential
// file without a restart.
func (s *Server) reloadCredentials(c *gin.Context) {
	principal := principalFrom(c)
	agent, err := s.identity.Get(c.Request.Context(), principal, c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !identity.CanAccess(principal, agent, v1.ScopeWrite) {
		s.respondError(c, v1.NewError(v1.KindPermissionDenied, "write access to %s denied", agent.Name))
		return
	}
	if err := s.injector.WriteCredentials(c.Request.Context(), agent); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": agent.Name, "credentials": "reloaded"})
}
