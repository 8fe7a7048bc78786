package handler

import (
	"net/http"

	"supportchat_backend/internal/chat/service"
	"supportchat_backend/internal/chat/transport"
	"supportchat_backend/platform/httpkit"
	"supportchat_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const sessionHistoryLimit = 100

// WidgetHandler handles the public web widget endpoints. Visitors are
// identified by their session token only; no auth middleware applies.
type WidgetHandler struct {
	svc *service.Service
	val *validator.Validator
}

// NewWidgetHandler creates the widget-facing handler.
func NewWidgetHandler(svc *service.Service, val *validator.Validator) *WidgetHandler {
	return &WidgetHandler{svc: svc, val: val}
}

// RegisterRoutes mounts the widget routes on the public group.
func (h *WidgetHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/session", h.StartSession)
	rg.POST("/messages", h.SendMessage)
	rg.GET("/messages", h.Poll)
}

// StartSession handles POST /api/v1/widget/session
func (h *WidgetHandler) StartSession(c *gin.Context) {
	var req transport.StartSessionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}

	result, err := h.svc.StartWebSession(c.Request.Context(), req.SessionToken)
	if httpkit.HandleError(c, err) {
		return
	}

	messages, err := h.svc.History(c.Request.Context(), result.ConversationKey, 0, sessionHistoryLimit)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, transport.SessionResponse{
		SessionToken: result.ConversationKey,
		Status:       result.Conversation.Status,
		Messages:     transport.NewMessageResponses(messages),
	})
}

// SendMessage handles POST /api/v1/widget/messages
func (h *WidgetHandler) SendMessage(c *gin.Context) {
	var req transport.WidgetMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}
	if req.Body == "" && req.PromptReply == "" {
		httpkit.Error(c, http.StatusBadRequest, "message body is required", nil)
		return
	}

	result, err := h.svc.IngestWebMessage(c.Request.Context(), service.WebMessageParams{
		SessionToken:  req.SessionToken,
		Body:          req.Body,
		DisplayName:   req.DisplayName,
		Contact:       req.Contact,
		AttachmentRef: req.AttachmentRef,
		PromptReply:   req.PromptReply,
	})
	if httpkit.HandleError(c, err) {
		return
	}

	resp := transport.SessionResponse{
		SessionToken: result.ConversationKey,
		Status:       result.Conversation.Status,
	}
	if result.Message != nil {
		resp.Messages = []transport.MessageResponse{transport.NewMessageResponse(*result.Message)}
	}
	httpkit.JSON(c, http.StatusCreated, resp)
}

// Poll handles GET /api/v1/widget/messages. The widget polls with the last
// sequence number it has seen; the session token travels as a query param.
func (h *WidgetHandler) Poll(c *gin.Context) {
	token := c.Query("sessionToken")
	if token == "" {
		httpkit.Error(c, http.StatusBadRequest, "sessionToken is required", nil)
		return
	}

	var req transport.HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}

	messages, err := h.svc.History(c.Request.Context(), token, req.After, req.Limit)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.NewMessageResponses(messages))
}
