package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// WhatsAppConfig configures the HTTP WhatsApp provider (Evolution API style).
type WhatsAppConfig struct {
	BaseURL  string
	APIKey   string
	Instance string
	Timeout  time.Duration
}

// WhatsAppSender sends text messages through an HTTP WhatsApp gateway.
type WhatsAppSender struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	instance string
	logger   *zap.Logger
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// NewWhatsAppSender creates a new WhatsApp sender
func NewWhatsAppSender(logger *zap.Logger, cfg WhatsAppConfig) *WhatsAppSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WhatsAppSender{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		instance: cfg.Instance,
		logger:   logger,
	}
}

// Send posts the message to {base}/message/sendText/{instance}. Transport
// errors and 5xx responses mean the gateway itself is down and are reported
// as ErrProviderUnavailable; 4xx responses are per-recipient rejections.
func (s *WhatsAppSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != db.ChannelWhatsApp {
		return fmt.Errorf("whatsapp sender only supports whatsapp, got: %s", msg.Channel)
	}
	if msg.To == "" {
		return errors.New("recipient has no phone number")
	}

	body, err := json.Marshal(sendTextRequest{Number: normalizeNumber(msg.To), Text: msg.Body})
	if err != nil {
		return fmt.Errorf("failed to marshal whatsapp request: %w", err)
	}

	url := fmt.Sprintf("%s/message/sendText/%s", s.baseURL, s.instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create whatsapp request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Courier/1.0.0")
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("X-Courier-Campaign-ID", msg.CampaignID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("whatsapp request timed out: %w", err)
		}
		return fmt.Errorf("%w: whatsapp request failed: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: whatsapp gateway returned %d: %s", ErrProviderUnavailable, resp.StatusCode, string(bodyBytes))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("whatsapp gateway rejected message: %d: %s", resp.StatusCode, string(bodyBytes))
	}

	s.logger.Debug("whatsapp message delivered",
		zap.String("campaign_id", msg.CampaignID.String()),
		zap.Int64("recipient_id", msg.RecipientID),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

// SupportsChannel checks if this sender supports whatsapp
func (s *WhatsAppSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp
}

// normalizeNumber strips formatting so "+55 (11) 99999-0000" becomes "5511999990000".
func normalizeNumber(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
