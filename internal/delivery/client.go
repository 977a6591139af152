// Package delivery mirrors provider-side metadata of delivered image assets
// into the image_metadata collection.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/httpclient"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
)

var (
	ErrNotConfigured = errors.New("delivery account id and api token are required")
	ErrRateLimited   = errors.New("delivery API rate limit hit")
)

// maxBody bounds how much of a response is read.
const maxBody = 1 << 20

type Client struct {
	baseURL   string
	accountID string
	token     string
	http      *http.Client
}

func NewClient(cfg config.DeliveryConfig) (*Client, error) {
	if cfg.AccountID == "" || cfg.APIToken == "" {
		return nil, ErrNotConfigured
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		accountID: cfg.AccountID,
		token:     cfg.APIToken,
		http:      httpclient.GetSharedClient(timeout),
	}, nil
}

// Fetch returns the metadata stored with assetID. An asset without metadata
// yields an empty document.
func (c *Client) Fetch(ctx context.Context, assetID string) (model.Document, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/images/v1/%s",
		c.baseURL, url.PathEscape(c.accountID), url.PathEscape(assetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", assetID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response for %s: %w", assetID, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s: %w", assetID, ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("delivery API returned %d for %s: %s", resp.StatusCode, assetID, apiError(body))
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON response for %s", assetID)
	}
	if !gjson.GetBytes(body, "success").Bool() {
		return nil, fmt.Errorf("delivery API rejected %s: %s", assetID, apiError(body))
	}

	meta := gjson.GetBytes(body, "result.metadata")
	if !meta.IsObject() {
		return model.Document{}, nil
	}
	m, ok := meta.Value().(map[string]any)
	if !ok {
		return model.Document{}, nil
	}
	return toDocument(m), nil
}

func toDocument(m map[string]any) model.Document {
	doc := make(model.Document, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			v = toDocument(nested)
		}
		doc[k] = v
	}
	return doc
}

func apiError(body []byte) string {
	if msg := gjson.GetBytes(body, "errors.0.message"); msg.Exists() {
		return msg.String()
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
