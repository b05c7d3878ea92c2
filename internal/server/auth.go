package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"agentrelay/internal/config"
)

type AuthConfig struct {
	JWTSecret              string
	APIKeys                []config.APIKey
	AllowLegacyActorHeader bool
	LegacyPermissions      []string
}

type Principal struct {
	ActorID     string
	Permissions []string
	Source      string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ForbiddenError reports a missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return "missing permission " + e.Permission
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == config.PermAll {
			return true
		}
	}
	return false
}

// requirePermission returns the caller's actor id when it holds perm.
func requirePermission(ctx context.Context, perm string) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if !hasPermission(p.Permissions, perm) {
		return "", handleError(ForbiddenError{Permission: perm})
	}
	return p.ActorID, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		ActorID:     claims.Subject,
		Permissions: claims.Permissions,
		Source:      "jwt",
	}, nil
}

// IssueToken signs an HS256 token for subject carrying perms.
func IssueToken(secret, subject string, perms []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Permissions: perms,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// HashAPIKey returns the hex sha256 digest stored in config for a key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func authenticateAPIKey(keys []config.APIKey, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	hash := HashAPIKey(key)
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(strings.ToLower(k.KeyHash)), []byte(hash)) == 1 {
			return Principal{ActorID: k.Actor, Permissions: k.Permissions, Source: "api_key"}, nil
		}
	}
	return Principal{}, errors.New("unknown api key")
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	public := publicRoutes(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			legacyActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					logger.Debug("jwt rejected", zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(cfg.APIKeys, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if legacyActor != "" && cfg.AllowLegacyActorHeader {
				logger.Warn("legacy X-Actor-Id header used without credentials", zap.String("actor_id", legacyActor))
				ctx := withPrincipal(req.Context(), Principal{
					ActorID:     legacyActor,
					Permissions: cfg.LegacyPermissions,
					Source:      "legacy_header",
				})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

// rateLimiter keeps one token bucket per caller. Idle buckets are dropped
// lazily on access.
type rateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPrune time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     3 * time.Minute,
		visitors: make(map[string]*visitor),
	}
}

func (rl *rateLimiter) get(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastPrune) > rl.idle {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.idle {
				delete(rl.visitors, k)
			}
		}
		rl.lastPrune = now
	}
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// middleware limits authenticated callers by actor and everyone else by IP.
// It must run after the auth middleware.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientIP(r)
		if p, ok := principalFromContext(r.Context()); ok && p.ActorID != "" {
			key = "actor:" + p.ActorID
		}
		if !rl.get(key, time.Now()).Allow() {
			w.Header().Set("Retry-After", "1")
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}
