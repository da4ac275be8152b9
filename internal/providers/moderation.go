package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultModerationModel = "omni-moderation-latest"

// ModerationClient is the narrow adapter to the hosted moderations
// endpoint. The caller applies its own per-category thresholds; the
// provider's flagged bits and scores are passed through untouched.
type ModerationClient struct {
	apiKey      string
	baseURL     string
	model       string
	client      *http.Client
	retryConfig RetryConfig
}

// NewModerationClient creates a moderation adapter.
func NewModerationClient(apiKey string, opts ...ModerationOption) *ModerationClient {
	c := &ModerationClient{
		apiKey:      apiKey,
		baseURL:     openaiAPIBase,
		model:       defaultModerationModel,
		client:      &http.Client{Timeout: 5 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type ModerationOption func(*ModerationClient)

func WithModerationBaseURL(baseURL string) ModerationOption {
	return func(c *ModerationClient) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithModerationModel(model string) ModerationOption {
	return func(c *ModerationClient) {
		if model != "" {
			c.model = model
		}
	}
}

func WithModerationHTTPClient(client *http.Client) ModerationOption {
	return func(c *ModerationClient) { c.client = client }
}

// Moderate scores text against the hosted taxonomy.
func (c *ModerationClient) Moderate(ctx context.Context, text string) (*ModerationResult, error) {
	body := map[string]any{"model": c.model, "input": text}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("moderation: marshal request: %w", err)
	}

	return RetryDo(ctx, c.retryConfig, func() (*ModerationResult, error) {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/moderations", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("moderation: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("moderation: request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return nil, &HTTPError{
				Status:     resp.StatusCode,
				Body:       fmt.Sprintf("moderation: %s", string(respBody)),
				RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}

		var parsed moderationResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("moderation: decode response: %w", err)
		}
		if len(parsed.Results) == 0 {
			return nil, fmt.Errorf("moderation: empty results")
		}

		r := parsed.Results[0]
		out := &ModerationResult{
			Categories: make(map[string]bool, len(r.Categories)),
			Scores:     make(map[string]float64, len(r.CategoryScores)),
		}
		for cat, flagged := range r.Categories {
			out.Categories[cat] = flagged
		}
		for cat, score := range r.CategoryScores {
			out.Scores[cat] = clampScore(score)
		}
		return out, nil
	})
}

// clampScore keeps scores inside [0, 1]; the audit schema enforces the
// same bound.
func clampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// --- moderations endpoint wire types ---

type moderationResponse struct {
	Results []struct {
		Flagged        bool               `json:"flagged"`
		Categories     map[string]bool    `json:"categories"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}
