package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

func (s *Server) fleetStatus(c *gin.Context) {
	agents, err := s.identity.List(c.Request.Context(), principalFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}

	byState := make(map[v1.AgentState]int)
	for _, agent := range agents {
		byState[agent.State]++
	}
	c.JSON(http.StatusOK, gin.H{
		"agents":           len(agents),
		"by_state":         byState,
		"in_flight":        len(s.engine.InFlight()),
		"schedules_paused": s.settings.SchedulesPaused(c.Request.Context()),
	})
}

func (s *Server) pauseSchedules(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if err := s.fleet.PauseSchedules(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules_paused": true})
}

func (s *Server) resumeSchedules(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if err := s.fleet.ResumeSchedules(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules_paused": false})
}

// emergencyStop pauses schedules and stops every agent. Partial failures
// are reported but do not halt the sweep.
func (s *Server) emergencyStop(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if err := s.fleet.EmergencyStop(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fleet": "stopped", "schedules_paused": true})
}

func (s *Server) restartAll(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if err := s.fleet.RestartAll(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fleet": "restarted"})
}
