package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	config "github.com/chatwit-social/scheduling-api/configs"
	"github.com/chatwit-social/scheduling-api/internal/transfer"
)

// Publisher hands a resolved post to the external publishing service.
type Publisher interface {
	Publish(ctx context.Context, payload *transfer.DispatchPayload) error
}

type WebhookService struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookService(cfg config.Config) *WebhookService {
	return &WebhookService{
		url:    cfg.Webhook.URL,
		secret: cfg.Webhook.Secret,
		client: &http.Client{Timeout: cfg.Webhook.Timeout},
	}
}

func (w *WebhookService) Publish(ctx context.Context, payload *transfer.DispatchPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &DispatchError{PostID: payload.PostID, Err: fmt.Errorf("error marshalling payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &DispatchError{PostID: payload.PostID, Err: fmt.Errorf("error creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.IdempotencyKey)
	if w.secret != "" {
		req.Header.Set("X-Hub-Signature-256", "sha256="+Sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &DispatchError{PostID: payload.PostID, Retryable: true, Err: fmt.Errorf("HTTP request error: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Warn("webhook rejected dispatch",
			"post_id", payload.PostID,
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return &DispatchError{
			PostID:     payload.PostID,
			HTTPStatus: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	io.Copy(io.Discard, resp.Body)
	return nil
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
