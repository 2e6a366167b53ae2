package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/webmixgamer/trinity/internal/execution"
	"github.com/webmixgamer/trinity/internal/identity"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

type messageRequest struct {
	Message string `json:"message"`
}

// writableAgent loads the agent and enforces write access for the caller.
func (s *Server) writableAgent(c *gin.Context) (*v1.Agent, bool) {
	principal := principalFrom(c)
	agent, err := s.identity.Get(c.Request.Context(), principal, c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	if !identity.CanAccess(principal, agent, v1.ScopeWrite) {
		s.respondError(c, v1.NewError(v1.KindPermissionDenied, "write access to %s denied", agent.Name))
		return nil, false
	}
	return agent, true
}

func (s *Server) executionRequest(c *gin.Context, agent *v1.Agent) (execution.Request, bool) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "bad_request", "message": "message is required"}})
		return execution.Request{}, false
	}
	return execution.Request{
		AgentName: agent.Name,
		Message:   req.Message,
		Trigger:   v1.TriggerManual,
		Initiator: "user:" + principalFrom(c).ID,
	}, true
}

// chat submits a chat message and blocks until the reply. Disconnecting
// cancels the execution.
func (s *Server) chat(c *gin.Context) {
	agent, ok := s.writableAgent(c)
	if !ok {
		return
	}
	req, ok := s.executionRequest(c, agent)
	if !ok {
		return
	}

	result, err := s.engine.Chat(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// chatAsync queues a chat message and returns immediately with the
// accepted execution.
func (s *Server) chatAsync(c *gin.Context) {
	agent, ok := s.writableAgent(c)
	if !ok {
		return
	}
	req, ok := s.executionRequest(c, agent)
	if !ok {
		return
	}

	exec, err := s.engine.SubmitChat(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

func (s *Server) task(c *gin.Context) {
	agent, ok := s.writableAgent(c)
	if !ok {
		return
	}
	req, ok := s.executionRequest(c, agent)
	if !ok {
		return
	}

	result, err := s.engine.Task(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) resetSession(c *gin.Context) {
	agent, ok := s.writableAgent(c)
	if !ok {
		return
	}
	if err := s.engine.ForceNewSession(c.Request.Context(), agent.Name); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": agent.Name, "session": "reset"})
}

func (s *Server) listExecutions(c *gin.Context) {
	principal := principalFrom(c)
	agent, err := s.identity.Get(c.Request.Context(), principal, c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	execs, err := s.engine.Store().ListForAgent(c.Request.Context(), agent.Name, limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (s *Server) listInFlight(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"in_flight": s.engine.InFlight()})
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.engine.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	principal := principalFrom(c)
	if _, err := s.identity.Get(c.Request.Context(), principal, exec.AgentName); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) cancelExecution(c *gin.Context) {
	exec, err := s.engine.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	principal := principalFrom(c)
	agent, err := s.identity.Get(c.Request.Context(), principal, exec.AgentName)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !identity.CanAccess(principal, agent, v1.ScopeWrite) {
		s.respondError(c, v1.NewError(v1.KindPermissionDenied, "write access to %s denied", agent.Name))
		return
	}

	if err := s.engine.Cancel(exec.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": exec.ID, "status": v1.ExecutionCancelled})
}
