package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/heimdex/binwatch/internal/metrics"
	"github.com/heimdex/binwatch/internal/store"
)

const (
	frameMaxTokens    = 500
	sequenceMaxTokens = 800
	maxErrorBody      = 512
)

// ClientConfig configures a VisionClient.
type ClientConfig struct {
	BaseURL       string
	APIKey        string
	Model         string
	Timeout       time.Duration
	RatePerSecond float64
	Categories    []string
}

// VisionClient is an OpenAI-compatible chat completions client.
type VisionClient struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	categories []string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewVisionClient(cfg ClientConfig, logger *slog.Logger, m *metrics.Metrics) *VisionClient {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &VisionClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		categories: cfg.Categories,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With("component", "oracle"),
		metrics:    m,
	}
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *VisionClient) Classify(ctx context.Context, img store.Image, hint string) (Answer, error) {
	return c.complete(ctx, FramePrompt(c.categories, hint), []store.Image{img}, frameMaxTokens)
}

func (c *VisionClient) ClassifySequence(ctx context.Context, imgs []store.Image, hint string) (Answer, error) {
	if len(imgs) == 0 {
		return Answer{}, errors.New("no frames to classify")
	}
	return c.complete(ctx, SequencePrompt(c.categories, hint), imgs, sequenceMaxTokens)
}

func (c *VisionClient) complete(ctx context.Context, prompt string, imgs []store.Image, maxTokens int) (Answer, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Answer{}, fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)
	}

	parts := []contentPart{{Type: "text", Text: prompt}}
	for _, img := range imgs {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img.JPEG)},
		})
	}
	body, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       []chatMessage{{Role: "user", Content: parts}},
		MaxTokens:      maxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return Answer{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Answer{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		outcome := "error"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		c.metrics.OracleCall(outcome, time.Since(start))
		return Answer{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.OracleCall("error", time.Since(start))
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Answer{}, &ProviderError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		c.metrics.OracleCall("error", time.Since(start))
		return Answer{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		c.metrics.OracleCall("error", time.Since(start))
		return Answer{}, errors.New("oracle response has no choices")
	}
	c.metrics.OracleCall("ok", time.Since(start))

	answer := ParseResponse(cr.Choices[0].Message.Content, c.categories)
	c.logger.Debug("oracle answered",
		"images", len(imgs),
		"event_type", answer.EventType,
		"confidence", answer.Confidence.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return answer, nil
}
