// Package graph holds the Microsoft Graph plumbing shared by the Teams and
// email providers: OAuth2 token acquisition with a state-backed cache and
// the subscription collection.
package graph

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/provider"
)

const (
	DefaultGraphBase = "https://graph.microsoft.com/v1.0"
	DefaultAuthBase  = "https://login.microsoftonline.com"
	DefaultScope     = "https://graph.microsoft.com/.default"

	ClientSecretKey = "MS_GRAPH_CLIENT_SECRET"
	RefreshTokenKey = "MS_GRAPH_REFRESH_TOKEN"

	// expirySkew is subtracted from a cached token's lifetime.
	expirySkew = time.Minute
)

// Credentials identify an Entra ID application.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	AuthBaseURL  string
	Scope        string
}

// TokenURL is the v2 token endpoint of the directory.
func (cr Credentials) TokenURL() string {
	base := strings.TrimRight(cr.AuthBaseURL, "/")
	if base == "" {
		base = DefaultAuthBase
	}
	return base + "/" + cr.TenantID + "/oauth2/v2.0/token"
}

func (cr Credentials) scopes() []string {
	if cr.Scope == "" {
		return []string{DefaultScope}
	}
	return strings.Fields(cr.Scope)
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cacheKey(c *provider.Call, cr Credentials) string {
	return c.Spec.Scope(c.Tenant).StateKey("oauth/" + cr.TenantID + "/" + cr.ClientID)
}

// Token returns a bearer token for cr. A cached token is reused until a
// minute before it expires. A configured or stored refresh token selects the
// refresh_token grant, otherwise client credentials are used.
func Token(ctx context.Context, c *provider.Call, cr Credentials) (string, error) {
	if cr.TenantID == "" || cr.ClientID == "" {
		return "", fault.Configf("tenant_id and client_id required")
	}
	key := cacheKey(c, cr)
	if tok, ok := readCache(ctx, c, key); ok {
		return tok, nil
	}

	refresh, err := c.OptionalSecret(ctx, RefreshTokenKey, cr.RefreshToken)
	if err != nil {
		return "", err
	}
	secret, err := c.OptionalSecret(ctx, ClientSecretKey, cr.ClientSecret)
	if err != nil {
		return "", err
	}
	if refresh == "" && secret == "" {
		return "", fault.Secret(ClientSecretKey, c.Spec.Scope(c.Tenant).Base())
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient())
	var tok *oauth2.Token
	if refresh != "" {
		conf := oauth2.Config{
			ClientID:     cr.ClientID,
			ClientSecret: secret,
			Endpoint:     oauth2.Endpoint{TokenURL: cr.TokenURL(), AuthStyle: oauth2.AuthStyleInParams},
			Scopes:       cr.scopes(),
		}
		tok, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	} else {
		conf := clientcredentials.Config{
			ClientID:     cr.ClientID,
			ClientSecret: secret,
			TokenURL:     cr.TokenURL(),
			Scopes:       cr.scopes(),
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tok, err = conf.Token(ctx)
	}
	if err != nil {
		c.Log(ctx, "oauth.failed")
		return "", tokenError(err)
	}

	expires := tok.Expiry
	if tok.ExpiresIn > 0 {
		expires = c.Clock().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	writeCache(ctx, c, key, cachedToken{AccessToken: tok.AccessToken, ExpiresAt: expires})
	c.Log(ctx, "oauth.acquired")
	return tok.AccessToken, nil
}

func readCache(ctx context.Context, c *provider.Call, key string) (string, bool) {
	if c.Host.State == nil {
		return "", false
	}
	raw, ok, err := c.Host.State.Read(ctx, key, &c.Tenant)
	if err != nil || !ok {
		return "", false
	}
	var ct cachedToken
	if canon.Unmarshal(raw, &ct) != nil || ct.AccessToken == "" {
		return "", false
	}
	if !ct.ExpiresAt.IsZero() && !c.Clock().Add(expirySkew).Before(ct.ExpiresAt) {
		return "", false
	}
	return ct.AccessToken, true
}

func writeCache(ctx context.Context, c *provider.Call, key string, ct cachedToken) {
	if c.Host.State == nil {
		return
	}
	raw, err := canon.Marshal(ct)
	if err != nil {
		return
	}
	if err := c.Host.State.Write(ctx, key, raw, &c.Tenant); err != nil {
		c.Log(ctx, "oauth.cache_failed")
	}
}

// Forget drops the cached token, e.g. after Graph answered 401.
func Forget(ctx context.Context, c *provider.Call, cr Credentials) {
	if c.Host.State != nil {
		_ = c.Host.State.Delete(ctx, cacheKey(c, cr), &c.Tenant)
	}
}

func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		msg := re.ErrorDescription
		if msg == "" {
			msg = re.ErrorCode
		}
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return fault.Transportf("token endpoint returned status %d", re.Response.StatusCode)
		}
		return fault.Domainf("token endpoint rejected the credentials: %s", msg)
	}
	var fe *fault.Error
	if host.CodeOf(err) != "" || errors.As(err, &fe) {
		return err
	}
	return fault.Wrap(fault.Transport, "token request failed", err)
}
