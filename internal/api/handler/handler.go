package handler

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/minhvtn/listsync-be/internal/channel"
	"github.com/minhvtn/listsync-be/internal/marketplace"
	"github.com/minhvtn/listsync-be/internal/tenant"
	"github.com/minhvtn/listsync-be/shared/rabbitmq"
)

// Dependencies holds everything the HTTP handlers need.
type Dependencies struct {
	Logger       *slog.Logger
	TenantRouter *tenant.Router
	RabbitClient *rabbitmq.Client
	Registry     *marketplace.Registry
	RelayHub     *channel.RelayHub
	MaxRetries   int
}

// TenantIDContextKey is where the auth middleware stores the verified
// tenant id on the request context.
const TenantIDContextKey = "tenant_id"

// TenantIDFromContext returns the verified tenant id, or "" when the
// request carried none.
func TenantIDFromContext(c *gin.Context) string {
	return c.GetString(TenantIDContextKey)
}

// JobHandler handles job-related HTTP requests. Every request binds a
// tenant handle first; a request that cannot establish its binding is
// aborted, never served against another scope.
type JobHandler struct {
	logger       *slog.Logger
	tenantRouter *tenant.Router
	rabbitClient *rabbitmq.Client
	registry     *marketplace.Registry
	maxRetries   int
}

// NewJobHandler creates a JobHandler instance.
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:       deps.Logger,
		tenantRouter: deps.TenantRouter,
		rabbitClient: deps.RabbitClient,
		registry:     deps.Registry,
		maxRetries:   deps.MaxRetries,
	}
}
