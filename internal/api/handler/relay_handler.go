package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/minhvtn/listsync-be/internal/channel"
	"github.com/minhvtn/listsync-be/internal/domain"
)

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Agents connect from the seller's browser on the marketplace's
		// origin; CORS-style origin checks do not apply here.
		return true
	},
}

// RelayHandler upgrades authenticated agent connections into relay
// sessions.
type RelayHandler struct {
	hub    *channel.RelayHub
	logger *slog.Logger
}

// NewRelayHandler creates a RelayHandler over the hub.
func NewRelayHandler(hub *channel.RelayHub, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		hub:    hub,
		logger: logger,
	}
}

// Connect handles GET /api/v1/relay?marketplace=...
// Registers the tenant's browser agent session for a marketplace and holds
// the connection until the agent disconnects.
func (h *RelayHandler) Connect(c *gin.Context) {
	tenantID := TenantIDFromContext(c)
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing tenant identity"})
		return
	}

	m := domain.Marketplace(c.Query("marketplace"))
	if !m.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown marketplace"})
		return
	}

	conn, err := relayUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade relay connection",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return
	}

	// Blocks for the lifetime of the session.
	h.hub.Register(tenantID, m, conn)
}
