package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/webmixgamer/trinity/internal/identity"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

type scheduleRequest struct {
	CronExpression string     `json:"cron_expression"`
	Timezone       string     `json:"timezone"`
	OneShotAt      *time.Time `json:"one_shot_at"`
	Message        string     `json:"message"`
	Enabled        *bool      `json:"enabled"`
}

func (s *Server) createSchedule(c *gin.Context) {
	agent, ok := s.writableAgent(c)
	if !ok {
		return
	}

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "bad_request", "message": err.Error()}})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	schedule := &v1.Schedule{
		AgentName:      agent.Name,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		OneShotAt:      req.OneShotAt,
		Message:        req.Message,
		Enabled:        enabled,
		Owner:          principalFrom(c).ID,
	}
	if err := s.schedules.Create(c.Request.Context(), schedule); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

func (s *Server) listSchedules(c *gin.Context) {
	agent, err := s.identity.Get(c.Request.Context(), principalFrom(c), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	schedules, err := s.schedules.ListForAgent(c.Request.Context(), agent.Name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

// scheduleForWrite loads a schedule and checks write access to its agent.
func (s *Server) scheduleForWrite(c *gin.Context) (*v1.Schedule, bool) {
	schedule, err := s.schedules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}

	principal := principalFrom(c)
	agent, err := s.identity.Get(c.Request.Context(), principal, schedule.AgentName)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	if !identity.CanAccess(principal, agent, v1.ScopeWrite) {
		s.respondError(c, v1.NewError(v1.KindPermissionDenied, "write access to %s denied", agent.Name))
		return nil, false
	}
	return schedule, true
}

func (s *Server) getSchedule(c *gin.Context) {
	schedule, err := s.schedules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if _, err := s.identity.Get(c.Request.Context(), principalFrom(c), schedule.AgentName); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (s *Server) updateSchedule(c *gin.Context) {
	schedule, ok := s.scheduleForWrite(c)
	if !ok {
		return
	}

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "bad_request", "message": err.Error()}})
		return
	}

	if req.CronExpression != "" {
		schedule.CronExpression = req.CronExpression
		schedule.OneShotAt = nil
	}
	if req.OneShotAt != nil {
		schedule.OneShotAt = req.OneShotAt
		schedule.CronExpression = ""
	}
	if req.Timezone != "" {
		schedule.Timezone = req.Timezone
	}
	if req.Message != "" {
		schedule.Message = req.Message
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	if err := s.schedules.Update(c.Request.Context(), schedule); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	schedule, ok := s.scheduleForWrite(c)
	if !ok {
		return
	}
	if err := s.schedules.Delete(c.Request.Context(), schedule.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": schedule.ID})
}
