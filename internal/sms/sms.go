package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreidpin/coreidpin-sub005/pkg/logger"
)

type Sender interface {
	Send(ctx context.Context, phone, message string) error
}

// ProviderClient posts messages to the configured SMS gateway.
type ProviderClient struct {
	url    string
	apiKey string
	client *http.Client
}

func NewProviderClient(url, apiKey string) *ProviderClient {
	return &ProviderClient{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *ProviderClient) Send(ctx context.Context, phone, message string) error {
	if p.url == "" {
		return fmt.Errorf("SMS provider not configured")
	}

	body, err := json.Marshal(map[string]string{
		"to":      phone,
		"message": message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// DevSender logs messages instead of dispatching them.
type DevSender struct{}

func NewDevSender() *DevSender {
	return &DevSender{}
}

func (DevSender) Send(ctx context.Context, phone, message string) error {
	logger.InfoContext(ctx, "[DEV SMS]", "to", phone, "message", message)
	return nil
}
