// Package httpapi is the operator-facing control plane: agent CRUD and
// lifecycle verbs, executions, permissions, schedules, settings, fleet
// operations and the activity feed.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/activity"
	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/execution"
	"github.com/webmixgamer/trinity/internal/identity"
	"github.com/webmixgamer/trinity/internal/injection"
	"github.com/webmixgamer/trinity/internal/lifecycle"
	"github.com/webmixgamer/trinity/internal/permissions"
	"github.com/webmixgamer/trinity/internal/scheduler"
	"github.com/webmixgamer/trinity/internal/settings"
	"github.com/webmixgamer/trinity/internal/supervisor"
	ws "github.com/webmixgamer/trinity/pkg/websocket"
)

// Server bundles the services the control plane fronts.
type Server struct {
	identity  *identity.Service
	lifecycle *lifecycle.Manager
	engine    *execution.Engine
	schedules *scheduler.Store
	graph     *permissions.Graph
	settings  *settings.Store
	activity  *activity.Store
	fleet     *supervisor.Supervisor
	injector  *injection.Pipeline
	hub       *ws.Hub
	logger    *logger.Logger
}

// New creates the control plane server.
func New(
	ids *identity.Service,
	lc *lifecycle.Manager,
	engine *execution.Engine,
	schedules *scheduler.Store,
	graph *permissions.Graph,
	settingsStore *settings.Store,
	activityStore *activity.Store,
	fleet *supervisor.Supervisor,
	injector *injection.Pipeline,
	hub *ws.Hub,
	log *logger.Logger,
) *Server {
	return &Server{
		identity:  ids,
		lifecycle: lc,
		engine:    engine,
		schedules: schedules,
		graph:     graph,
		settings:  settingsStore,
		activity:  activityStore,
		fleet:     fleet,
		injector:  injector,
		hub:       hub,
		logger:    log.WithFields(zap.String("component", "httpapi")),
	}
}

// Router assembles the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "trinity",
		})
	})

	// Live activity stream; subscription happens over the socket.
	router.GET("/ws", s.streamActivity)

	api := router.Group("/api/v1")
	api.Use(s.principalMiddleware())

	api.POST("/agents", s.createAgent)
	api.GET("/agents", s.listAgents)
	api.GET("/agents/:name", s.getAgent)
	api.DELETE("/agents/:name", s.deleteAgent)
	api.POST("/agents/:name/start", s.startAgent)
	api.POST("/agents/:name/stop", s.stopAgent)
	api.POST("/agents/:name/restart", s.restartAgent)
	api.POST("/agents/:name/reinitialize", s.reinitializeAgent)
	api.GET("/agents/:name/health", s.agentHealth)
	api.GET("/agents/:name/logs", s.agentLogs)
	api.POST("/agents/:name/autonomy", s.setAutonomy)
	api.POST("/agents/:name/share", s.shareAgent)
	api.DELETE("/agents/:name/share/:userId", s.unshareAgent)
	api.POST("/agents/:name/credentials/reload", s.reloadCredentials)

	api.POST("/agents/:name/chat", s.chat)
	api.POST("/agents/:name/chat/async", s.chatAsync)
	api.POST("/agents/:name/tasks", s.task)
	api.POST("/agents/:name/session/reset", s.resetSession)
	api.GET("/agents/:name/executions", s.listExecutions)
	api.GET("/executions", s.listInFlight)
	api.GET("/executions/:id", s.getExecution)
	api.POST("/executions/:id/cancel", s.cancelExecution)

	api.GET("/permissions", s.listPermissions)
	api.POST("/permissions", s.grantPermission)
	api.DELETE("/permissions/:source/:target", s.revokePermission)
	api.GET("/agents/:name/peers", s.agentPeers)

	api.POST("/agents/:name/schedules", s.createSchedule)
	api.GET("/agents/:name/schedules", s.listSchedules)
	api.GET("/schedules/:id", s.getSchedule)
	api.PATCH("/schedules/:id", s.updateSchedule)
	api.DELETE("/schedules/:id", s.deleteSchedule)

	api.GET("/settings", s.getSettings)
	api.PUT("/settings/:key", s.setSetting)

	api.GET("/fleet/status", s.fleetStatus)
	api.POST("/fleet/pause-schedules", s.pauseSchedules)
	api.POST("/fleet/resume-schedules", s.resumeSchedules)
	api.POST("/fleet/emergency-stop", s.emergencyStop)
	api.POST("/fleet/restart-all", s.restartAll)

	api.GET("/activity", s.queryActivity)

	return router
}
