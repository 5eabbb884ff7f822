package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/dispatcher/internal/service/publisher"
)

// Publisher forwards deliveries to a relay service that speaks to the real
// platform API. One instance serves one platform.
type Publisher struct {
	platform string
	endpoint string
	token    string
	client   *http.Client
	logger   *zap.Logger
}

type publishRequest struct {
	Platform    string                `json:"platform"`
	Destination publisher.Destination `json:"destination"`
	Content     publisher.Payload     `json:"content"`
}

type publishResponse struct {
	ID       string         `json:"id"`
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata"`
	Error    string         `json:"error"`
}

func NewPublisher(platform, endpoint, token string, timeout time.Duration, logger *zap.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Publisher{
		platform: strings.ToLower(strings.TrimSpace(platform)),
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (p *Publisher) Platform() string {
	return p.platform
}

// Publish posts the delivery to the relay. Transport errors and 408/429/5xx
// responses are retryable; any other non-2xx status is permanent.
func (p *Publisher) Publish(ctx context.Context, dest publisher.Destination, payload publisher.Payload) (*publisher.Result, error) {
	body, err := json.Marshal(publishRequest{
		Platform:    p.platform,
		Destination: dest,
		Content:     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var decoded publishResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.logger.Debug("Relay accepted delivery",
			zap.String("platform", p.platform),
			zap.Uint("content_id", payload.ContentID),
			zap.String("post_id", decoded.ID))
		return &publisher.Result{
			Success:        true,
			PlatformPostID: decoded.ID,
			PostURL:        decoded.URL,
			Metadata:       decoded.Metadata,
		}, nil
	}

	message := decoded.Error
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if len(message) > 500 {
		message = message[:500]
	}

	return &publisher.Result{
		Success:   false,
		Error:     fmt.Sprintf("%s relay returned status %d: %s", p.platform, resp.StatusCode, message),
		Permanent: !retryableStatus(resp.StatusCode),
	}, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
