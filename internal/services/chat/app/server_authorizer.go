package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/dicechat/internal/platform/errors"
)

const (
	tokenCookieName = "dicechat_token"
	tokenQueryParam = "token"
)

// Identity is the authenticated caller of a chat connection.
type Identity struct {
	UserID string
	Name   string
}

type wsAuthorizer interface {
	Authenticate(ctx context.Context, accessToken string) (Identity, error)
}

// tokenClaims is the JWT payload accepted by the chat service.
type tokenClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// jwtAuthorizer verifies HS256 tokens whose subject is the user id.
type jwtAuthorizer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func newJWTAuthorizer(secret, issuer string) *jwtAuthorizer {
	return &jwtAuthorizer{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}
}

func (a *jwtAuthorizer) Authenticate(_ context.Context, accessToken string) (Identity, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "access token is required")
	}

	var claims tokenClaims
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(a.issuer))
	}
	_, err := jwt.ParseWithClaims(accessToken, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, parserOptions...)
	if err != nil {
		return Identity{}, mapJWTError(err)
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "token subject is required")
	}
	return Identity{UserID: userID, Name: strings.TrimSpace(claims.Name)}, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token alg is invalid", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token issuer mismatch", err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token exp is required", err)
	default:
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token is invalid", err)
	}
}

// IssueToken signs a token for userID valid for ttl. Operators use it to
// mint development credentials.
func IssueToken(secret, issuer, userID, name string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("token secret is required")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.TrimSpace(userID),
			Issuer:    strings.TrimSpace(issuer),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: strings.TrimSpace(name),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// devAuthorizer trusts the token as the user id. It is used when no token
// secret is configured.
type devAuthorizer struct{}

func (devAuthorizer) Authenticate(_ context.Context, accessToken string) (Identity, error) {
	userID := strings.TrimSpace(accessToken)
	if userID == "" {
		return Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "access token is required")
	}
	return Identity{UserID: userID}, nil
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
}
