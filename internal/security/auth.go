package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ContextKeyUserID is the gin context key for the authenticated user ID.
const ContextKeyUserID = "userID"

// AccessTokenQueryParam carries the bearer token on websocket upgrades, where
// browsers cannot set an Authorization header.
const AccessTokenQueryParam = "access_token"

// Identity holds the resolved caller identity from a bearer token.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// IdentityResolver maps a bearer token to an identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, bearerToken string) (*Identity, error)
}

var (
	ErrMissingToken    = errors.New("missing bearer token")
	ErrInvalidToken    = errors.New("invalid bearer token")
	errMissingIdentity = errors.New("token missing identity claims")
)

// TokenResolver resolves bearer tokens to caller identities. It is initialized
// once at startup and shared by the HTTP middleware and the websocket endpoint.
type TokenResolver struct {
	verifier    *oidc.IDTokenVerifier
	jwtSecret   []byte
	testingMode bool
	cacheTTL    time.Duration
	cache       *ristretto.Cache[string, *Identity]
}

// NewTokenResolver creates a TokenResolver from the application config. It performs
// one-time OIDC provider discovery if OIDCIssuer is configured.
func NewTokenResolver(cfg *config.Config) (*TokenResolver, error) {
	var verifier *oidc.IDTokenVerifier
	oidcIssuer := cfg.OIDCIssuer

	if oidcIssuer != "" {
		ctx := context.Background()
		expectedIssuer := oidcIssuer
		discoveryURL := cfg.OIDCDiscoveryURL
		if discoveryURL != "" && discoveryURL != oidcIssuer {
			// NewProvider fetches from its issuer arg, so pass the discovery URL there
			// and accept the mismatched issuer in the discovery document.
			ctx = oidc.InsecureIssuerURLContext(ctx, oidcIssuer)
			oidcIssuer = discoveryURL
		}
		provider, err := oidc.NewProvider(ctx, oidcIssuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider", "issuer", oidcIssuer, "err", err)
		} else {
			var providerClaims struct {
				JWKSURI string `json:"jwks_uri"`
			}
			if expectedIssuer != oidcIssuer {
				if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
					keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
					verifier = oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{
						SkipClientIDCheck: true,
					})
				}
			}
			if verifier == nil {
				verifier = provider.Verifier(&oidc.Config{
					SkipClientIDCheck: true,
				})
			}
			log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		}
	}

	maxEntries := cfg.IdentityCacheMaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Identity]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	r := &TokenResolver{
		verifier:    verifier,
		testingMode: cfg.Mode == config.ModeTesting,
		cacheTTL:    cfg.IdentityCacheTTL,
		cache:       cache,
	}
	if cfg.JWTSecret != "" {
		r.jwtSecret = []byte(cfg.JWTSecret)
		log.Info("HS256 JWT auth enabled")
	}
	if r.verifier == nil && r.jwtSecret == nil && !r.testingMode {
		log.Warn("No token verifier configured; every request will be rejected")
	}
	return r, nil
}

// Close releases the identity cache.
func (r *TokenResolver) Close() {
	if r != nil && r.cache != nil {
		r.cache.Close()
	}
}

// Resolve resolves a bearer token (without the "Bearer " prefix) into a caller
// Identity. Unverifiable tokens fail closed.
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken string) (*Identity, error) {
	bearerToken = strings.TrimSpace(bearerToken)
	if bearerToken == "" {
		return nil, ErrMissingToken
	}

	looksLikeJWT := strings.Count(bearerToken, ".") == 2
	if !looksLikeJWT {
		if r.testingMode {
			return &Identity{UserID: bearerToken}, nil
		}
		return nil, ErrInvalidToken
	}

	key := cacheKey(bearerToken)
	if id, ok := r.cache.Get(key); ok && time.Now().Before(id.ExpiresAt) {
		if IdentityCacheHitsTotal != nil {
			IdentityCacheHitsTotal.Inc()
		}
		return id, nil
	}
	if IdentityCacheMissesTotal != nil {
		IdentityCacheMissesTotal.Inc()
	}

	id, err := r.verify(ctx, bearerToken)
	if err != nil {
		return nil, err
	}
	ttl := r.cacheTTL
	if remaining := time.Until(id.ExpiresAt); remaining < ttl {
		ttl = remaining
	}
	if ttl > 0 {
		r.cache.SetWithTTL(key, id, 1, ttl)
	}
	return id, nil
}

func (r *TokenResolver) verify(ctx context.Context, token string) (*Identity, error) {
	if r.verifier != nil {
		idToken, err := r.verifier.Verify(ctx, token)
		if err == nil {
			// Prefer "preferred_username", then "upn", then "sub".
			var claims struct {
				Sub               string `json:"sub"`
				PreferredUsername string `json:"preferred_username"`
				UPN               string `json:"upn"`
			}
			if err := idToken.Claims(&claims); err != nil {
				return nil, errors.Join(ErrInvalidToken, err)
			}
			userID := claims.PreferredUsername
			if userID == "" {
				userID = claims.UPN
			}
			if userID == "" {
				userID = claims.Sub
			}
			if userID == "" {
				return nil, errMissingIdentity
			}
			return &Identity{UserID: userID, ExpiresAt: idToken.Expiry}, nil
		}
		if r.jwtSecret == nil {
			return nil, errors.Join(ErrInvalidToken, err)
		}
	}
	if r.jwtSecret != nil {
		return r.verifyHS256(token)
	}
	return nil, ErrInvalidToken
}

func (r *TokenResolver) verifyHS256(token string) (*Identity, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return r.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, errMissingIdentity
	}
	return &Identity{UserID: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// --- Gin HTTP middleware ---

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// BearerToken extracts the token from the Authorization header. When
// allowQuery is set, the access_token query parameter is accepted as a fallback.
func BearerToken(c *gin.Context, allowQuery bool) (string, error) {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		if allowQuery {
			if token := c.Query(AccessTokenQueryParam); token != "" {
				return token, nil
			}
		}
		return "", ErrMissingToken
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("invalid Authorization header; expected Bearer token")
	}
	return parts[1], nil
}

// AuthMiddleware returns a gin middleware that resolves the caller identity
// using the provided resolver.
func AuthMiddleware(resolver IdentityResolver) gin.HandlerFunc {
	return authMiddleware(resolver, false)
}

// WebSocketAuthMiddleware is AuthMiddleware that also accepts the
// access_token query parameter.
func WebSocketAuthMiddleware(resolver IdentityResolver) gin.HandlerFunc {
	return authMiddleware(resolver, true)
}

func authMiddleware(resolver IdentityResolver, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := BearerToken(c, allowQuery)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		id, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ContextKeyUserID, id.UserID)
		c.Next()
	}
}
