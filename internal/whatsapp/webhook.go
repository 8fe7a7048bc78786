package whatsapp

import (
	"crypto/hmac"
	"net/http"
	"strings"

	"supportchat_backend/internal/chat/service"
	"supportchat_backend/platform/config"
	"supportchat_backend/platform/httpkit"
	"supportchat_backend/platform/logger"
	"supportchat_backend/platform/phone"

	"github.com/gin-gonic/gin"
)

const webhookSecretHeader = "X-Webhook-Secret"

// Webhook event types sent by the transport service.
const (
	eventMessage = "message"
	eventStatus  = "status"
)

// Delivery statuses accepted from status callbacks.
var knownDeliveryStatuses = map[string]bool{
	"sent":      true,
	"delivered": true,
	"read":      true,
	"failed":    true,
}

// inboundEvent is the webhook payload posted by the transport service. A
// single endpoint receives both inbound messages and delivery receipts.
type inboundEvent struct {
	Event       string `json:"event"`
	From        string `json:"from"`
	DisplayName string `json:"displayName"`
	Body        string `json:"body"`
	MediaID     string `json:"mediaId"`
	MessageID   string `json:"messageId"`
	Status      string `json:"status"`
	Reply       string `json:"reply"`
}

// WebhookHandler receives inbound WhatsApp traffic from the transport service.
type WebhookHandler struct {
	svc           *service.Service
	secret        string
	defaultRegion string
	log           *logger.Logger
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(svc *service.Service, cfg config.WhatsAppConfig, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		svc:           svc,
		secret:        cfg.GetWhatsAppWebhookSecret(),
		defaultRegion: cfg.GetWhatsAppDefaultRegion(),
		log:           log,
	}
}

// RegisterRoutes mounts the webhook route on the public group.
func (h *WebhookHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.Receive)
}

// Receive handles POST /api/v1/webhook/whatsapp
func (h *WebhookHandler) Receive(c *gin.Context) {
	if !h.authorized(c) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
		return
	}

	var ev inboundEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid payload", nil)
		return
	}

	switch ev.Event {
	case eventMessage:
		h.handleMessage(c, ev)
	case eventStatus:
		h.handleStatus(c, ev)
	default:
		// Unknown event types are acknowledged so the provider stops
		// redelivering them.
		h.log.Debug("ignoring webhook event", "event", ev.Event)
		c.Status(http.StatusNoContent)
	}
}

func (h *WebhookHandler) handleMessage(c *gin.Context, ev inboundEvent) {
	number := phone.NormalizeE164(ev.From, h.defaultRegion)
	if number == "" {
		httpkit.Error(c, http.StatusBadRequest, "invalid sender number", nil)
		return
	}

	params := service.WhatsAppMessageParams{
		FromNumber:        number,
		DisplayName:       ev.DisplayName,
		Body:              ev.Body,
		ProviderMessageID: ev.MessageID,
		PromptReply:       promptReply(ev.Reply),
	}
	if ev.MediaID != "" {
		params.AttachmentRef = ev.MediaID
	}

	result, err := h.svc.IngestWhatsAppMessage(c.Request.Context(), params)
	if httpkit.HandleError(c, err) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversationKey": result.ConversationKey})
}

func (h *WebhookHandler) handleStatus(c *gin.Context, ev inboundEvent) {
	if ev.MessageID == "" || !knownDeliveryStatuses[ev.Status] {
		httpkit.Error(c, http.StatusBadRequest, "invalid status payload", nil)
		return
	}

	if err := h.svc.RecordDeliveryStatus(c.Request.Context(), ev.MessageID, ev.Status); err != nil {
		httpkit.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// promptReply maps the interactive button reply to a prompt resolution.
// Escalation prompts go out as interactive messages, so the answer comes
// back as a structured reply id rather than free text.
func promptReply(reply string) string {
	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "accept", "yes":
		return service.PromptReplyAccept
	case "decline", "no":
		return service.PromptReplyDecline
	}
	return ""
}

func (h *WebhookHandler) authorized(c *gin.Context) bool {
	if h.secret == "" {
		return true
	}
	provided := c.GetHeader(webhookSecretHeader)
	return hmac.Equal([]byte(provided), []byte(h.secret))
}
