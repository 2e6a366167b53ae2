package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
	ws "github.com/webmixgamer/trinity/pkg/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The control plane sits behind an authenticating proxy.
		return true
	},
}

func (s *Server) queryActivity(c *gin.Context) {
	query := v1.ActivityQuery{AgentName: c.Query("agent")}

	if query.AgentName != "" {
		if _, err := s.identity.Get(c.Request.Context(), principalFrom(c), query.AgentName); err != nil {
			s.respondError(c, err)
			return
		}
	} else if !s.requireAdmin(c) {
		// Cross-agent queries expose the whole fleet's journal.
		return
	}

	if kinds := c.Query("kinds"); kinds != "" {
		for _, kind := range strings.Split(kinds, ",") {
			query.Kinds = append(query.Kinds, v1.ActivityKind(strings.TrimSpace(kind)))
		}
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "bad_request", "message": "since must be RFC3339"}})
			return
		}
		query.Since = &t
	}
	if until := c.Query("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "bad_request", "message": "until must be RFC3339"}})
			return
		}
		query.Until = &t
	}
	query.Limit, _ = strconv.Atoi(c.Query("limit"))

	records, err := s.activity.Query(c.Request.Context(), query)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": records})
}

// streamActivity upgrades the connection and attaches the client to the
// live activity hub. Clients pick agents via agent.subscribe messages, or
// the agent query parameter for an initial watch.
func (s *Server) streamActivity(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := ws.NewClient(uuid.New().String(), conn, s.hub, s.logger)
	s.hub.Register(client)

	if agent := c.Query("agent"); agent != "" {
		client.Subscribe(agent)
	} else {
		client.Subscribe(ws.SubscribeAll)
	}

	go client.WritePump()
	go client.ReadPump()
}
