// Package handler exposes the chat module over HTTP. Agent routes live
// behind the bearer auth middleware; widget and webhook routes are public.
package handler

import (
	"errors"
	"io"
	"net/http"

	"supportchat_backend/internal/chat/repository"
	"supportchat_backend/internal/chat/service"
	"supportchat_backend/internal/chat/transport"
	"supportchat_backend/platform/httpkit"
	"supportchat_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// AgentHandler handles the agent dashboard endpoints.
type AgentHandler struct {
	svc *service.Service
	val *validator.Validator
}

// NewAgentHandler creates the agent-facing handler.
func NewAgentHandler(svc *service.Service, val *validator.Validator) *AgentHandler {
	return &AgentHandler{svc: svc, val: val}
}

// RegisterRoutes mounts the agent routes on the authenticated group.
func (h *AgentHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.ListActive)
	rg.GET("/mine", h.ListMine)
	rg.GET("/:key/messages", h.History)
	rg.GET("/:key/transfers", h.Transfers)
	rg.POST("/:key/claim", h.Claim)
	rg.POST("/:key/transfer", h.Transfer)
	rg.POST("/:key/unassign", h.Unassign)
	rg.POST("/:key/close", h.Close)
	rg.POST("/:key/messages", h.SendMessage)
	rg.POST("/:key/offer-handoff", h.OfferHandoff)
}

// ListActive handles GET /api/v1/chats
func (h *AgentHandler) ListActive(c *gin.Context) {
	items, err := h.svc.ListActive(c.Request.Context())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.NewConversationResponses(items))
}

// ListMine handles GET /api/v1/chats/mine
func (h *AgentHandler) ListMine(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	items, err := h.svc.ListMine(c.Request.Context(), identity.AgentID())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.NewConversationResponses(items))
}

// History handles GET /api/v1/chats/:key/messages
func (h *AgentHandler) History(c *gin.Context) {
	var req transport.HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}

	messages, err := h.svc.History(c.Request.Context(), c.Param("key"), req.After, req.Limit)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.NewMessageResponses(messages))
}

// Transfers handles GET /api/v1/chats/:key/transfers
func (h *AgentHandler) Transfers(c *gin.Context) {
	items, err := h.svc.Transfers(c.Request.Context(), c.Param("key"))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.NewTransferRecordResponses(items))
}

// Claim handles POST /api/v1/chats/:key/claim
func (h *AgentHandler) Claim(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	conv, err := h.svc.Claim(c.Request.Context(), c.Param("key"), identity.AgentID())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, conversationSummary(conv))
}

// Transfer handles POST /api/v1/chats/:key/transfer
func (h *AgentHandler) Transfer(c *gin.Context) {
	var req transport.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	conv, err := h.svc.Transfer(c.Request.Context(), c.Param("key"), identity.AgentID(), req.ToAgentID, identity.CanOverride(), req.Reason)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, conversationSummary(conv))
}

// Unassign handles POST /api/v1/chats/:key/unassign
func (h *AgentHandler) Unassign(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	conv, err := h.svc.Unassign(c.Request.Context(), c.Param("key"), identity.AgentID(), identity.CanOverride())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, conversationSummary(conv))
}

// conversationSummary maps a bare conversation to the list response shape.
// Assignment endpoints do not join visitor info.
func conversationSummary(conv *repository.Conversation) transport.ConversationResponse {
	return transport.NewConversationResponse(repository.ConversationWithVisitor{Conversation: *conv})
}

// bindOptionalJSON binds a request body that may legitimately be absent.
func bindOptionalJSON(c *gin.Context, req interface{}) error {
	err := c.ShouldBindJSON(req)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Close handles POST /api/v1/chats/:key/close
func (h *AgentHandler) Close(c *gin.Context) {
	var req transport.CloseRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	agentID := identity.AgentID()
	conv, err := h.svc.CloseChat(c.Request.Context(), c.Param("key"), &agentID, req.Reason)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, conversationSummary(conv))
}

// SendMessage handles POST /api/v1/chats/:key/messages
func (h *AgentHandler) SendMessage(c *gin.Context) {
	var req transport.AgentMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	msg, err := h.svc.SendAgentMessage(c.Request.Context(), c.Param("key"), identity.AgentID(), req.Body, req.AttachmentRef)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, transport.NewMessageResponse(*msg))
}

// OfferHandoff handles POST /api/v1/chats/:key/offer-handoff
func (h *AgentHandler) OfferHandoff(c *gin.Context) {
	var req transport.OfferHandoffRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	prompt, err := h.svc.OfferHandoff(c.Request.Context(), c.Param("key"), identity.AgentID(), req.Reason)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, transport.NewPromptResponse(*prompt))
}
