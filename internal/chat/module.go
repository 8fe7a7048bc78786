// Package chat provides the chat lifecycle domain module.
package chat

import (
	"supportchat_backend/internal/broadcast"
	"supportchat_backend/internal/chat/handler"
	"supportchat_backend/internal/chat/repository"
	"supportchat_backend/internal/chat/service"
	apphttp "supportchat_backend/internal/http"
	"supportchat_backend/internal/responder"
	"supportchat_backend/internal/whatsapp"
	"supportchat_backend/platform/config"
	"supportchat_backend/platform/logger"
	"supportchat_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module represents the chat domain module.
type Module struct {
	agent   *handler.AgentHandler
	widget  *handler.WidgetHandler
	webhook *whatsapp.WebhookHandler
	hub     *broadcast.Hub

	Service *service.Service
}

// NewModule creates the chat module with all dependencies wired.
func NewModule(
	pool *pgxpool.Pool,
	val *validator.Validator,
	dispatcher service.Broadcaster,
	hub *broadcast.Hub,
	generator responder.Generator,
	transport service.Transport,
	staffNotifier service.StaffNotifier,
	cfg *config.Config,
	log *logger.Logger,
) *Module {
	repo := repository.New(pool)
	svc := service.New(repo, dispatcher, generator, transport, staffNotifier, cfg.GetResponderTimeout(), log)

	return &Module{
		agent:   handler.NewAgentHandler(svc, val),
		widget:  handler.NewWidgetHandler(svc, val),
		webhook: whatsapp.NewWebhookHandler(svc, cfg, log),
		hub:     hub,
		Service: svc,
	}
}

// Name returns the module name for logging.
func (m *Module) Name() string {
	return "chat"
}

// RegisterRoutes registers the module's routes. Agent routes require auth;
// the widget and the provider webhook are public behind the IP rate limiter.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	chats := ctx.Protected.Group("/chats")
	m.agent.RegisterRoutes(chats)

	// EventSource cannot set headers, so auth runs inside the group with
	// query-param token support from the middleware.
	ctx.Protected.GET("/chats/stream", m.hub.Handler())

	widget := ctx.V1.Group("/widget")
	widget.Use(ctx.PublicRateLimiter.Middleware())
	m.widget.RegisterRoutes(widget)

	webhook := ctx.V1.Group("/webhook/whatsapp")
	webhook.Use(ctx.PublicRateLimiter.Middleware())
	m.webhook.RegisterRoutes(webhook)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
