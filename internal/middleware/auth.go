package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/Niiaks/Lodge/internal/apperror"
	"github.com/Niiaks/Lodge/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
)

const identityKey contextKey = "identity"

const RoleAdmin = "admin"

// Claims are issued by the identity service: sub is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Identity struct {
	UserID uuid.UUID
	Admin  bool
}

type Auth struct {
	secret []byte
	issuer string
}

func NewAuth(cfg *config.AuthConfig) *Auth {
	return &Auth{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer}
}

func (a *Auth) parse(raw string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return Identity{}, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: userID, Admin: claims.Role == RoleAdmin}, nil
}

// RequireAuth rejects requests without a valid bearer token and stores the
// caller's identity in the context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			WriteError(w, r, apperror.New(apperror.CodeUnauthorized, "missing bearer token"))
			return
		}

		identity, err := a.parse(raw)
		if err != nil {
			GetLogger(r.Context()).Warn().Err(err).Msg("Rejected bearer token")
			WriteError(w, r, apperror.New(apperror.CodeUnauthorized, "invalid bearer token"))
			return
		}

		userID := identity.UserID.String()
		ctx := WithIdentity(r.Context(), identity)

		contextLogger := GetLogger(ctx).With().Str("user_id", userID).Logger()
		ctx = WithLogger(ctx, &contextLogger)

		if txn := newrelic.FromContext(ctx); txn != nil {
			txn.AddAttribute("user.id", userID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetIdentity(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// WithIdentity stores the caller. RequireAuth uses it after verifying the
// token; tests use it to skip the token.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}
