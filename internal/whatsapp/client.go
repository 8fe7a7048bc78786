// Package whatsapp integrates the WhatsApp transport service: outbound
// sends, media handling and the inbound webhook.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"supportchat_backend/platform/apperr"
	"supportchat_backend/platform/config"
	"supportchat_backend/platform/logger"
	"supportchat_backend/platform/phone"
)

// Client talks to the WhatsApp transport service over its HTTP API.
// A nil Client is a no-op so web-only deployments can skip configuration.
type Client struct {
	baseURL       string
	apiKey        string
	defaultRegion string
	http          *http.Client
	log           *logger.Logger
}

type sendTextRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type sendMediaRequest struct {
	Phone   string `json:"phone"`
	MediaID string `json:"mediaId"`
	Caption string `json:"caption,omitempty"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

type uploadResponse struct {
	Success bool   `json:"success"`
	MediaID string `json:"mediaId"`
	Error   string `json:"error"`
}

// NewClient creates a transport client, or nil when not configured.
func NewClient(cfg config.WhatsAppConfig, log *logger.Logger) *Client {
	if !cfg.IsWhatsAppEnabled() {
		return nil
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.GetWhatsAppURL(), "/"),
		apiKey:        cfg.GetWhatsAppKey(),
		defaultRegion: cfg.GetWhatsAppDefaultRegion(),
		http:          &http.Client{Timeout: 15 * time.Second},
		log:           log,
	}
}

// SendText delivers a text message and returns the provider's message id.
func (c *Client) SendText(ctx context.Context, phoneNumber, message string) (string, error) {
	if c == nil {
		return "", nil
	}

	normalized := phone.NormalizeE164(phoneNumber, c.defaultRegion)
	if phone.Digits(normalized) == "" {
		return "", apperr.Validation("invalid recipient number")
	}

	payload := sendTextRequest{
		Phone:   phone.Digits(normalized),
		Message: message,
	}

	var out sendResponse
	if err := c.post(ctx, "/send/message", payload, &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", apperr.DeliveryFailed("whatsapp send rejected", fmt.Errorf("%s", out.Error))
	}

	c.log.Info("whatsapp text sent", "phone", payload.Phone, "message_id", out.MessageID)
	return out.MessageID, nil
}

// SendMediaByID delivers previously uploaded media and returns the
// provider's message id.
func (c *Client) SendMediaByID(ctx context.Context, phoneNumber, mediaID, caption string) (string, error) {
	if c == nil {
		return "", nil
	}

	normalized := phone.NormalizeE164(phoneNumber, c.defaultRegion)
	if phone.Digits(normalized) == "" {
		return "", apperr.Validation("invalid recipient number")
	}

	payload := sendMediaRequest{
		Phone:   phone.Digits(normalized),
		MediaID: mediaID,
		Caption: caption,
	}

	var out sendResponse
	if err := c.post(ctx, "/send/media", payload, &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", apperr.DeliveryFailed("whatsapp media send rejected", fmt.Errorf("%s", out.Error))
	}
	return out.MessageID, nil
}

// UploadMedia pushes raw bytes to the transport service and returns the
// media id to send with.
func (c *Client) UploadMedia(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	if c == nil {
		return "", nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write upload body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/media", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if contentType != "" {
		req.Header.Set("X-Media-Content-Type", contentType)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.Downstream("whatsapp upload failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out uploadResponse
	if err := decodeResponse(resp, &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", apperr.DeliveryFailed("whatsapp upload rejected", fmt.Errorf("%s", out.Error))
	}
	return out.MediaID, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Downstream("whatsapp request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperr.Downstream(
			fmt.Sprintf("whatsapp service returned %d", resp.StatusCode),
			fmt.Errorf("%s", strings.TrimSpace(string(data))),
		)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode whatsapp response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey == "" {
		return
	}
	if strings.HasPrefix(strings.ToLower(c.apiKey), "basic ") {
		req.Header.Set("Authorization", c.apiKey)
		return
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.apiKey)))
}
