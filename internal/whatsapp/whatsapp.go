package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the Evolution API credentials of one tenant instance.
type Config struct {
	APIURL   string // e.g. "https://evolution.example.com"
	APIKey   string
	Instance string
	// RatePerSec throttles outbound calls of this instance; 0 disables throttling.
	RatePerSec float64
}

// Configured reports whether every credential is present.
func (c Config) Configured() bool {
	return c.APIURL != "" && c.APIKey != "" && c.Instance != ""
}

// Document is a file sent as a WhatsApp media message.
type Document struct {
	FileName string
	MimeType string
	Caption  string
	Data     []byte
}

// Client sends WhatsApp messages via the Evolution API.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient returns a WhatsApp client. If any credential is empty, sends are a no-op and return nil.
func NewClient(cfg Config) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	c := &Client{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return c
}

// SendText sends a plain text message to phone.
// If WhatsApp is not configured (missing credentials), returns nil without sending.
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	if !c.cfg.Configured() {
		return nil
	}
	return c.post(ctx, "sendText", map[string]interface{}{
		"number": normalizePhone(phone),
		"text":   text,
	})
}

// SendDocument sends doc as a document attachment.
func (c *Client) SendDocument(ctx context.Context, phone string, doc Document) error {
	if !c.cfg.Configured() {
		return nil
	}
	mime := doc.MimeType
	if mime == "" {
		mime = "application/pdf"
	}
	return c.post(ctx, "sendMedia", map[string]interface{}{
		"number":    normalizePhone(phone),
		"mediatype": "document",
		"mimetype":  mime,
		"fileName":  doc.FileName,
		"caption":   doc.Caption,
		"media":     base64.StdEncoding.EncodeToString(doc.Data),
	})
}

func (c *Client) post(ctx context.Context, action string, payload map[string]interface{}) error {
	if to, _ := payload["number"].(string); to == "" {
		return fmt.Errorf("whatsapp: destinatário vazio")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("whatsapp: rate limit: %w", err)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	reqURL := fmt.Sprintf("%s/message/%s/%s", c.cfg.APIURL, action, c.cfg.Instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.cfg.APIKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	slurp, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("whatsapp: %s: read body: %w", resp.Status, err)
	}
	return fmt.Errorf("whatsapp: %s: %s", resp.Status, string(slurp))
}

// normalizePhone keeps only digits (Evolution expects e.g. 5511999990000).
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
