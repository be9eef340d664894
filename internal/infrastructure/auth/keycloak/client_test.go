package keycloak

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mixprop/pkg/errors"
)

const (
	testRealm  = "chem"
	testClient = "mixprop-api"
)

type realm struct {
	srv     *httptest.Server
	keys    map[string]*rsa.PrivateKey
	fetches atomic.Int32
}

func newRealm(t *testing.T, kids ...string) *realm {
	t.Helper()
	r := &realm{keys: make(map[string]*rsa.PrivateKey)}
	for _, kid := range kids {
		r.addKey(t, kid)
	}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/realms/"+testRealm+"/protocol/openid-connect/certs" {
			http.NotFound(w, req)
			return
		}
		r.fetches.Add(1)
		var set jwks
		for kid, k := range r.keys {
			set.Keys = append(set.Keys, struct {
				Kid string `json:"kid"`
				Kty string `json:"kty"`
				Use string `json:"use"`
				N   string `json:"n"`
				E   string `json:"e"`
			}{
				Kid: kid, Kty: "RSA", Use: "sig",
				N: base64.RawURLEncoding.EncodeToString(k.N.Bytes()),
				E: base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.E)).Bytes()),
			})
		}
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *realm) addKey(t *testing.T, kid string) {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	r.keys[kid] = k
}

func (r *realm) config() KeycloakConfig {
	return KeycloakConfig{Enabled: true, BaseURL: r.srv.URL, Realm: testRealm, ClientID: testClient}
}

func (r *realm) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(r.keys[kid])
	require.NoError(t, err)
	return s
}

func (r *realm) claims(mod func(jwt.MapClaims)) jwt.MapClaims {
	now := time.Now()
	c := jwt.MapClaims{
		"sub":                "user-1",
		"iss":                r.config().Issuer(),
		"aud":                []string{"account"},
		"azp":                testClient,
		"exp":                now.Add(5 * time.Minute).Unix(),
		"iat":                now.Unix(),
		"preferred_username": "ada",
		"realm_access":       map[string]interface{}{"roles": []string{"offline_access"}},
		"resource_access": map[string]interface{}{
			testClient: map[string]interface{}{"roles": []string{"mixprop-admin"}},
			"other":    map[string]interface{}{"roles": []string{"viewer"}},
		},
	}
	if mod != nil {
		mod(c)
	}
	return c
}

func TestKeycloakConfig(t *testing.T) {
	cfg := KeycloakConfig{BaseURL: "https://sso.example.com/", Realm: "chem"}
	cfg.ApplyDefaults()
	assert.Equal(t, "https://sso.example.com/realms/chem", cfg.Issuer())
	assert.Equal(t, "https://sso.example.com/realms/chem/protocol/openid-connect/certs", cfg.JWKSURL())
	assert.Equal(t, "mixprop-admin", cfg.AdminRole)
	assert.Equal(t, 30*time.Second, cfg.MinRefreshInterval)
}

func TestNewVerifier_Errors(t *testing.T) {
	_, err := NewVerifier(context.Background(), KeycloakConfig{Realm: "x"}, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidModelConfig))

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	_, err = NewVerifier(context.Background(), KeycloakConfig{BaseURL: bad.URL, Realm: "r", ClientID: "c"}, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeExternalService))
}

func TestVerifyToken(t *testing.T) {
	r := newRealm(t, "k1")
	v, err := NewVerifier(context.Background(), r.config(), nil)
	require.NoError(t, err)

	claims, err := v.VerifyToken(context.Background(), r.sign(t, "k1", r.claims(nil)))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "ada", claims.PreferredUsername)
	assert.Equal(t, []string{"offline_access"}, claims.RealmRoles)
	assert.True(t, claims.HasRole("mixprop-admin"))
	assert.True(t, claims.HasRole("offline_access"))
	assert.False(t, claims.HasRole("viewer"), "roles of other clients do not count")
	assert.False(t, claims.ExpiresAt.IsZero())
}

func TestVerifyToken_Rejections(t *testing.T) {
	r := newRealm(t, "k1")
	v, err := NewVerifier(context.Background(), r.config(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name  string
		token func() string
		want  error
	}{
		{"garbage", func() string { return "not-a-jwt" }, ErrTokenMalformed},
		{"expired", func() string {
			return r.sign(t, "k1", r.claims(func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }))
		}, ErrTokenExpired},
		{"issuer", func() string {
			return r.sign(t, "k1", r.claims(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com/realms/chem" }))
		}, ErrTokenInvalidIssuer},
		{"audience", func() string {
			return r.sign(t, "k1", r.claims(func(c jwt.MapClaims) { c["azp"] = "someone-else" }))
		}, ErrTokenInvalidAudience},
		{"unknown kid", func() string {
			other := newRealm(t, "k9")
			return other.sign(t, "k9", r.claims(nil))
		}, ErrTokenInvalidSignature},
		{"missing kid", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodRS256, r.claims(nil))
			s, err := tok.SignedString(r.keys["k1"])
			require.NoError(t, err)
			return s
		}, ErrTokenMalformed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.VerifyToken(ctx, tt.token())
			require.Error(t, err)
			assert.Same(t, tt.want, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
		})
	}
}

func TestVerifyToken_HS256Rejected(t *testing.T) {
	r := newRealm(t, "k1")
	v, err := NewVerifier(context.Background(), r.config(), nil)
	require.NoError(t, err)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, r.claims(nil))
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = v.VerifyToken(context.Background(), s)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
}

func TestVerifyToken_KeyRotation(t *testing.T) {
	r := newRealm(t, "k1")
	v, err := NewVerifier(context.Background(), r.config(), nil)
	require.NoError(t, err)
	now := time.Now()
	v.now = func() time.Time { return now }
	require.EqualValues(t, 1, r.fetches.Load())

	r.addKey(t, "k2")
	token := r.sign(t, "k2", r.claims(nil))

	_, err = v.VerifyToken(context.Background(), token)
	assert.Same(t, ErrTokenInvalidSignature, err, "refetch is throttled")
	assert.EqualValues(t, 1, r.fetches.Load())

	now = now.Add(time.Minute)
	claims, err := v.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.EqualValues(t, 2, r.fetches.Load())
}
