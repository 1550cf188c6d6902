package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates an API token and returns the ID of the key that
// issued it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// failure records a rejected attempt from ip and reports whether the caller
// is still under the failure rate limit.
func (c authConfig) failure(ip string) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter == nil || ip == "" {
		return true
	}
	return c.rateLimiter.RecordFailureAndAllow(ip)
}

// HTTPAuthMiddleware enforces API token auth for HTTP handlers. The token is
// read from the Authorization header, either bare or with a Bearer scheme.
func HTTPAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyID, err := authorize(r.Context(), []string{r.Header.Get("Authorization")}, validator)
			if err != nil {
				if !cfg.failure(ExtractIP(r.RemoteAddr)) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				writeHTTPUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithKeyID(r.Context(), keyID)))
		})
	}
}

// UnaryAuthInterceptor enforces API token auth for unary gRPC requests.
func UnaryAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		keyID, err := authorizeGRPC(ctx, validator)
		if err != nil {
			return nil, grpcAuthError(cfg, ctx)
		}
		return handler(NewContextWithKeyID(ctx, keyID), req)
	}
}

// StreamAuthInterceptor enforces API token auth for streaming gRPC requests.
func StreamAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		keyID, err := authorizeGRPC(ctx, validator)
		if err != nil {
			return grpcAuthError(cfg, ctx)
		}
		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          NewContextWithKeyID(ctx, keyID),
		})
	}
}

func grpcAuthError(cfg authConfig, ctx context.Context) error {
	if !cfg.failure(extractGRPCPeerIP(ctx)) {
		return status.Error(codes.ResourceExhausted, "too many failed auth attempts")
	}
	return status.Error(codes.Unauthenticated, "unauthorized")
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type contextKey string

const keyIDKey contextKey = "api_key_id"

// KeyIDFromContext retrieves the authenticated API key ID from the context.
func KeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyIDKey).(string)
	return id, ok
}

// NewContextWithKeyID returns a new context carrying the API key ID.
func NewContextWithKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, keyIDKey, keyID)
}

func authorizeGRPC(ctx context.Context, validator TokenValidator) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errMissingAuthorizationHeader
	}
	return authorize(ctx, md.Get("authorization"), validator)
}

// authorize tries each header value in turn and returns the first key ID a
// token validates to.
func authorize(ctx context.Context, headers []string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}

	err := errMissingAuthorizationHeader
	for _, header := range headers {
		if strings.TrimSpace(header) == "" {
			continue
		}
		token, parseErr := parseToken(header)
		if parseErr != nil {
			err = parseErr
			continue
		}
		keyID, validateErr := validator.ValidateToken(ctx, token)
		if validateErr != nil {
			err = validateErr
			continue
		}
		if strings.TrimSpace(keyID) == "" {
			return "", errInvalidAuthorizationHeader
		}
		return keyID, nil
	}
	return "", err
}

// parseToken accepts "Bearer <token>" or a bare "<token>".
func parseToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	switch len(parts) {
	case 1:
		if strings.EqualFold(parts[0], "Bearer") {
			return "", errInvalidAuthorizationHeader
		}
		return parts[0], nil
	case 2:
		if !strings.EqualFold(parts[0], "Bearer") {
			return "", errInvalidAuthorizationHeader
		}
		return parts[1], nil
	default:
		return "", errInvalidAuthorizationHeader
	}
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
