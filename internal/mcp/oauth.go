package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/relay/pkg/models"
)

// oauthProvider turns a connection's OAuth block into Authorization
// headers, refreshing through the token endpoint when the access token
// expires. Refreshed tokens are written back to the connection store so
// the next session build starts from current state; raw tokens never
// leave this type.
type oauthProvider struct {
	connID string
	store  ConnectionStore
	logger *slog.Logger

	mu     sync.Mutex
	config *oauth2.Config
	token  *oauth2.Token
	source oauth2.TokenSource
}

func newOAuthProvider(conn *models.ToolConnection, store ConnectionStore, logger *slog.Logger) *oauthProvider {
	oa := conn.OAuth
	cfg := &oauth2.Config{
		ClientID:     oa.ClientID,
		ClientSecret: oa.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: oa.TokenURL},
		RedirectURL:  oa.RedirectURI,
	}
	token := &oauth2.Token{
		AccessToken:  oa.AccessToken,
		RefreshToken: oa.RefreshToken,
		Expiry:       oa.Expiry,
	}
	return &oauthProvider{
		connID: conn.ID,
		store:  store,
		logger: logger.With("connection", conn.ID),
		config: cfg,
		token:  token,
	}
}

// AuthHeader returns "Bearer <access token>", refreshing first if the
// cached token has expired.
func (p *oauthProvider) AuthHeader(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source == nil {
		p.source = p.config.TokenSource(ctx, p.token)
	}

	token, err := p.source.Token()
	if err != nil {
		return "", fmt.Errorf("oauth token: %w", err)
	}

	if token.AccessToken != p.token.AccessToken {
		p.token = token
		p.persist(ctx, token)
	}

	return "Bearer " + token.AccessToken, nil
}

// persist writes the refreshed token back onto the stored connection.
// A persistence failure is logged, not fatal: the in-memory token is
// still valid for this session.
func (p *oauthProvider) persist(ctx context.Context, token *oauth2.Token) {
	conn, err := p.store.GetConnection(ctx, p.connID)
	if err != nil || conn == nil || conn.OAuth == nil {
		p.logger.Warn("cannot persist refreshed token", "error", err)
		return
	}
	conn.OAuth.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		conn.OAuth.RefreshToken = token.RefreshToken
	}
	conn.OAuth.Expiry = token.Expiry
	if err := p.store.PutConnection(ctx, conn); err != nil {
		p.logger.Warn("cannot persist refreshed token", "error", err)
		return
	}
	p.logger.Debug("persisted refreshed oauth token")
}
