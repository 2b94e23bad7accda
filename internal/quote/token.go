package quote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	tokenPath     = "/oauth2/tokenP"
	tokenCacheKey = "quote:access_token"
	// refresh this long before the upstream expiry
	tokenLeeway = 10 * time.Minute
	// how often a token taken from the shared cache is looked up again
	sharedRecheck = time.Minute
)

// TokenCache shares access tokens between processes. The upstream throttles
// token issuance, so every instance should reuse one token.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// TokenSource issues and caches bearer tokens for the quote provider
type TokenSource struct {
	http      *resty.Client
	appKey    string
	appSecret string
	shared    TokenCache
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a token source; shared may be nil
func NewTokenSource(http *resty.Client, appKey, appSecret string, shared TokenCache, logger *zap.Logger) *TokenSource {
	return &TokenSource{
		http:      http,
		appKey:    appKey,
		appSecret: appSecret,
		shared:    shared,
		logger:    logger,
		now:       time.Now,
	}
}

// Token returns a valid access token, issuing a new one when needed
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expires) {
		return s.token, nil
	}

	if s.shared != nil {
		if tok, err := s.shared.Get(ctx, tokenCacheKey); err == nil && tok != "" {
			s.token = tok
			// the shared entry expires on its own; re-check it periodically
			s.expires = s.now().Add(sharedRecheck)
			return tok, nil
		}
	}

	var out tokenResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     s.appKey,
			"appsecret":  s.appSecret,
		}).
		SetResult(&out).
		Post(tokenPath)
	if err != nil {
		return "", fmt.Errorf("failed to request access token: %w", err)
	}
	if resp.IsError() || out.AccessToken == "" {
		return "", &UpstreamError{Code: fmt.Sprintf("http_%d", resp.StatusCode()), Message: "access token request rejected", Status: resp.StatusCode()}
	}

	lifetime := time.Duration(out.ExpiresIn) * time.Second
	window := reuseWindow(lifetime)
	s.token = out.AccessToken
	s.expires = s.now().Add(window)

	// a zero TTL would keep the entry in Redis forever
	if s.shared != nil && window > 0 {
		if err := s.shared.Set(ctx, tokenCacheKey, out.AccessToken, window); err != nil {
			s.logger.Debug("Access token not shared", zap.Error(err))
		}
	}

	s.logger.Info("Issued upstream access token", zap.Duration("lifetime", lifetime))
	return s.token, nil
}

// reuseWindow is how long a token issued for lifetime is handed out. Short
// lifetimes are halved rather than cut by the full leeway.
func reuseWindow(lifetime time.Duration) time.Duration {
	if lifetime > tokenLeeway {
		return lifetime - tokenLeeway
	}
	return lifetime / 2
}

// Reset drops the cached token, locally and in the shared cache, so the
// next call re-issues one
func (s *TokenSource) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expires = time.Time{}
	if s.shared != nil {
		if err := s.shared.Delete(ctx, tokenCacheKey); err != nil {
			s.logger.Warn("Failed to drop shared access token", zap.Error(err))
		}
	}
}
