// Package render asks the page-rendering layer to drop cached output.
package render

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/pkg/config"
	"github.com/stockfeed/stockfeed/pkg/logging"
)

const secretHeader = "X-Revalidate-Secret"

// Client calls the rendering layer's revalidate hook
type Client struct {
	http   *resty.Client
	url    string
	secret string
	logger *zap.Logger
}

// New creates a render client. It returns nil when no revalidate URL is
// configured; a nil client treats every call as a no-op.
func New(cfg *config.RenderConfig) *Client {
	if cfg.RevalidateURL == "" {
		logging.GetLogger().Info("Render revalidation disabled")
		return nil
	}
	return &Client{
		http:   resty.New().SetTimeout(cfg.Timeout),
		url:    cfg.RevalidateURL,
		secret: cfg.Secret,
		logger: logging.WithComponent("render"),
	}
}

type revalidateRequest struct {
	Path string `json:"path"`
}

// Revalidate drops the rendered output cached for path
func (c *Client) Revalidate(ctx context.Context, path string) error {
	if c == nil {
		return nil
	}

	req := c.http.R().
		SetContext(ctx).
		SetBody(revalidateRequest{Path: path})
	if c.secret != "" {
		req.SetHeader(secretHeader, c.secret)
	}

	resp, err := req.Post(c.url)
	if err != nil {
		return fmt.Errorf("failed to revalidate %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("revalidate %s rejected: status %d", path, resp.StatusCode())
	}

	c.logger.Debug("Revalidated rendered path", zap.String("path", path))
	return nil
}
