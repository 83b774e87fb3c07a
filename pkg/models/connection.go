package models

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionType discriminates the three tool-connection variants.
type ConnectionType string

const (
	ConnectionStdio          ConnectionType = "stdio"
	ConnectionStreamableHTTP ConnectionType = "streamable_http"
	ConnectionHosted         ConnectionType = "hosted"
)

// Masking sentinels used in API responses. When a caller echoes a
// sentinel back unchanged on update, the previously persisted raw
// value is restored.
const (
	MaskedSecret = "***"
	MaskedBearer = "Bearer ***"
)

// ToolConnection is the persisted configuration for one external
// tool-server connection. Exactly one variant's fields are meaningful,
// selected by Type.
type ToolConnection struct {
	ID   string         `json:"id" yaml:"id"`
	Type ConnectionType `json:"type" yaml:"type"`

	// stdio variant
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`

	// streamable_http variant
	URL           string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CacheToolList bool              `json:"cache_tool_list,omitempty" yaml:"cache_tool_list,omitempty"`
	RetryCount    int               `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`

	// hosted variant
	ServerLabel    string `json:"server_label,omitempty" yaml:"server_label,omitempty"`
	ServerURL      string `json:"server_url,omitempty" yaml:"server_url,omitempty"`
	ApprovalPolicy string `json:"approval_policy,omitempty" yaml:"approval_policy,omitempty"`
	Streaming      bool   `json:"streaming,omitempty" yaml:"streaming,omitempty"`

	// ToolFilter restricts which discovered tools are exposed:
	// comma-separated names, "!name" means deny.
	ToolFilter string `json:"tool_filter,omitempty" yaml:"tool_filter,omitempty"`

	// OAuth is present when the connection authenticates via OAuth.
	// Tokens are refreshed and persisted back by the session manager and
	// never returned to callers unmasked.
	OAuth *OAuthConfig `json:"oauth,omitempty" yaml:"oauth,omitempty"`
}

// OAuthConfig holds OAuth client credentials and token state for a
// connection. Token sub-fields mutate in place as tokens refresh.
type OAuthConfig struct {
	ClientID     string    `json:"client_id" yaml:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	TokenURL     string    `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	AccessToken  string    `json:"access_token,omitempty" yaml:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty" yaml:"expiry,omitempty"`
	PKCEVerifier string    `json:"pkce_verifier,omitempty" yaml:"pkce_verifier,omitempty"`
	RedirectURI  string    `json:"redirect_uri,omitempty" yaml:"redirect_uri,omitempty"`
}

// Validate checks that the connection has the fields its variant needs.
func (c *ToolConnection) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("connection ID is required")
	}
	switch c.Type {
	case ConnectionStdio:
		if c.Command == "" {
			return fmt.Errorf("stdio connection %s: command is required", c.ID)
		}
	case ConnectionStreamableHTTP:
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fmt.Errorf("streamable_http connection %s: url must start with http:// or https://", c.ID)
		}
	case ConnectionHosted:
		if c.ServerURL == "" {
			return fmt.Errorf("hosted connection %s: server_url is required", c.ID)
		}
	default:
		return fmt.Errorf("connection %s: unknown type %q", c.ID, c.Type)
	}
	return nil
}

// Clone returns a deep copy of the connection.
func (c *ToolConnection) Clone() *ToolConnection {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Args != nil {
		clone.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		clone.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			clone.Env[k] = v
		}
	}
	if c.Headers != nil {
		clone.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			clone.Headers[k] = v
		}
	}
	if c.OAuth != nil {
		oauth := *c.OAuth
		clone.OAuth = &oauth
	}
	return &clone
}

// Masked returns a copy safe for API responses: OAuth secrets and
// tokens become "***" and Authorization headers become "Bearer ***".
func (c *ToolConnection) Masked() *ToolConnection {
	masked := c.Clone()
	if masked == nil {
		return nil
	}
	for k := range masked.Headers {
		if strings.EqualFold(k, "authorization") {
			masked.Headers[k] = MaskedBearer
		}
	}
	if masked.OAuth != nil {
		if masked.OAuth.ClientSecret != "" {
			masked.OAuth.ClientSecret = MaskedSecret
		}
		if masked.OAuth.AccessToken != "" {
			masked.OAuth.AccessToken = MaskedSecret
		}
		if masked.OAuth.RefreshToken != "" {
			masked.OAuth.RefreshToken = MaskedSecret
		}
		if masked.OAuth.PKCEVerifier != "" {
			masked.OAuth.PKCEVerifier = MaskedSecret
		}
	}
	return masked
}

// RestoreMasked replaces masked sentinel values on c with the raw
// values from prev. Callers that echo a masked connection back on
// update keep the persisted secrets intact.
func (c *ToolConnection) RestoreMasked(prev *ToolConnection) {
	if c == nil || prev == nil {
		return
	}
	for k, v := range c.Headers {
		if v == MaskedBearer || v == MaskedSecret {
			if old, ok := prev.Headers[k]; ok {
				c.Headers[k] = old
			}
		}
	}
	if c.OAuth == nil || prev.OAuth == nil {
		return
	}
	if c.OAuth.ClientSecret == MaskedSecret {
		c.OAuth.ClientSecret = prev.OAuth.ClientSecret
	}
	if c.OAuth.AccessToken == MaskedSecret {
		c.OAuth.AccessToken = prev.OAuth.AccessToken
	}
	if c.OAuth.RefreshToken == MaskedSecret {
		c.OAuth.RefreshToken = prev.OAuth.RefreshToken
	}
	if c.OAuth.PKCEVerifier == MaskedSecret {
		c.OAuth.PKCEVerifier = prev.OAuth.PKCEVerifier
	}
}

// AllowsTool applies the connection's tool filter to a discovered tool
// name. An empty filter allows everything. Deny entries ("!name") win
// over allow entries; a filter with only deny entries allows everything
// not denied.
func (c *ToolConnection) AllowsTool(name string) bool {
	filter := strings.TrimSpace(c.ToolFilter)
	if filter == "" {
		return true
	}
	allowed := false
	hasAllow := false
	for _, part := range strings.Split(filter, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "!") {
			if strings.TrimPrefix(part, "!") == name {
				return false
			}
			continue
		}
		hasAllow = true
		if part == name {
			allowed = true
		}
	}
	if !hasAllow {
		return true
	}
	return allowed
}
