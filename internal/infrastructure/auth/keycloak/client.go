// Package keycloak verifies Keycloak-issued access tokens against the realm's
// published signing keys.
package keycloak

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/pkg/errors"
)

// KeycloakConfig configures token verification.
type KeycloakConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BaseURL   string `mapstructure:"base_url"`
	Realm     string `mapstructure:"realm"`
	ClientID  string `mapstructure:"client_id"`
	AdminRole string `mapstructure:"admin_role"`

	// MinRefreshInterval bounds how often an unknown key id may trigger a
	// JWKS refetch.
	MinRefreshInterval time.Duration `mapstructure:"min_refresh_interval"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	Leeway             time.Duration `mapstructure:"leeway"`
}

// ApplyDefaults fills unset fields.
func (c *KeycloakConfig) ApplyDefaults() {
	if c.AdminRole == "" {
		c.AdminRole = "mixprop-admin"
	}
	if c.MinRefreshInterval == 0 {
		c.MinRefreshInterval = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Leeway == 0 {
		c.Leeway = 30 * time.Second
	}
}

// Issuer is the expected iss claim.
func (c KeycloakConfig) Issuer() string {
	return fmt.Sprintf("%s/realms/%s", strings.TrimRight(c.BaseURL, "/"), c.Realm)
}

// JWKSURL is the realm's certificate endpoint.
func (c KeycloakConfig) JWKSURL() string {
	return c.Issuer() + "/protocol/openid-connect/certs"
}

// TokenClaims is the verified identity carried by an access token.
type TokenClaims struct {
	Subject           string              `json:"sub"`
	Email             string              `json:"email,omitempty"`
	PreferredUsername string              `json:"preferred_username,omitempty"`
	RealmRoles        []string            `json:"realm_roles,omitempty"`
	ClientRoles       map[string][]string `json:"client_roles,omitempty"`
	Issuer            string              `json:"iss"`
	Audience          []string            `json:"aud,omitempty"`
	IssuedAt          time.Time           `json:"iat"`
	ExpiresAt         time.Time           `json:"exp"`

	clientID string
}

// HasRole reports whether role is granted as a realm role or as a role of
// the configured client.
func (c *TokenClaims) HasRole(role string) bool {
	for _, r := range c.RealmRoles {
		if r == role {
			return true
		}
	}
	for _, r := range c.ClientRoles[c.clientID] {
		if r == role {
			return true
		}
	}
	return false
}

var (
	ErrTokenMalformed        = errors.New(errors.ErrCodeUnauthorized, "malformed token")
	ErrTokenExpired          = errors.New(errors.ErrCodeUnauthorized, "token expired")
	ErrTokenInvalidSignature = errors.New(errors.ErrCodeUnauthorized, "invalid token signature")
	ErrTokenInvalidIssuer    = errors.New(errors.ErrCodeUnauthorized, "invalid token issuer")
	ErrTokenInvalidAudience  = errors.New(errors.ErrCodeUnauthorized, "invalid token audience")
)

// Option configures a Verifier.
type Option func(*Verifier)

// WithHTTPClient replaces the client used to fetch the JWKS.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// Verifier validates RS256/384/512 access tokens.
type Verifier struct {
	cfg        KeycloakConfig
	httpClient *http.Client
	logger     logging.Logger
	now        func() time.Time

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	lastRefresh time.Time
}

// NewVerifier fetches the realm keys once and returns a Verifier. Unknown key
// ids seen later trigger a refetch, at most once per MinRefreshInterval.
func NewVerifier(ctx context.Context, cfg KeycloakConfig, log logging.Logger, opts ...Option) (*Verifier, error) {
	if cfg.BaseURL == "" || cfg.Realm == "" || cfg.ClientID == "" {
		return nil, errors.NewConfigError("keycloak base_url, realm and client_id are required")
	}
	cfg.ApplyDefaults()
	v := &Verifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logging.OrNop(log).Named("keycloak"),
		now:        time.Now,
		keys:       make(map[string]*rsa.PublicKey),
	}
	for _, opt := range opts {
		opt(v)
	}
	if err := v.refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

type jwks struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *Verifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL(), nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidModelConfig, "invalid keycloak url")
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeExternalService, "failed to fetch JWKS")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrCodeExternalService, "failed to fetch JWKS").WithDetail(resp.Status)
	}

	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return errors.Wrap(err, errors.ErrCodeExternalService, "malformed JWKS")
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			v.logger.Warn("skipping key with bad modulus", logging.String("kid", k.Kid), logging.Err(err))
			continue
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			v.logger.Warn("skipping key with bad exponent", logging.String("kid", k.Kid), logging.Err(err))
			continue
		}
		exp := 0
		for _, b := range e {
			exp = exp<<8 | int(b)
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}
	}

	v.mu.Lock()
	v.keys = keys
	v.lastRefresh = v.now()
	v.mu.Unlock()
	v.logger.Debug("refreshed JWKS", logging.Int("keys", len(keys)))
	return nil
}

func (v *Verifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	k, ok := v.keys[kid]
	stale := v.now().Sub(v.lastRefresh) >= v.cfg.MinRefreshInterval
	v.mu.RUnlock()
	if ok {
		return k, nil
	}
	if !stale {
		return nil, ErrTokenInvalidSignature
	}
	if err := v.refresh(ctx); err != nil {
		return nil, err
	}
	v.mu.RLock()
	k, ok = v.keys[kid]
	v.mu.RUnlock()
	if !ok {
		return nil, ErrTokenInvalidSignature
	}
	return k, nil
}

// VerifyToken checks signature, issuer, audience and expiry, and extracts
// the identity and roles.
func (v *Verifier) VerifyToken(ctx context.Context, raw string) (*TokenClaims, error) {
	var keyErr error
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			keyErr = ErrTokenMalformed
			return nil, keyErr
		}
		k, err := v.key(ctx, kid)
		if err != nil {
			keyErr = err
		}
		return k, err
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(v.cfg.Issuer()),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		switch {
		case keyErr != nil:
			return nil, keyErr
		case stderrors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case stderrors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrTokenInvalidIssuer
		case stderrors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenInvalidSignature
		case stderrors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		}
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "token verification failed")
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenMalformed
	}
	aud, _ := mc.GetAudience()
	azp, _ := mc["azp"].(string)
	if !containsString(aud, v.cfg.ClientID) && azp != v.cfg.ClientID {
		return nil, ErrTokenInvalidAudience
	}
	return claimsFromMap(mc, v.cfg.ClientID), nil
}

func claimsFromMap(mc jwt.MapClaims, clientID string) *TokenClaims {
	out := &TokenClaims{clientID: clientID, ClientRoles: make(map[string][]string)}
	out.Subject, _ = mc.GetSubject()
	out.Issuer, _ = mc.GetIssuer()
	out.Audience, _ = mc.GetAudience()
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	out.Email, _ = mc["email"].(string)
	out.PreferredUsername, _ = mc["preferred_username"].(string)

	if realm, ok := mc["realm_access"].(map[string]interface{}); ok {
		out.RealmRoles = stringSlice(realm["roles"])
	}
	if resources, ok := mc["resource_access"].(map[string]interface{}); ok {
		for client, access := range resources {
			if m, ok := access.(map[string]interface{}); ok {
				out.ClientRoles[client] = stringSlice(m["roles"])
			}
		}
	}
	return out
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
