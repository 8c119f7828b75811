package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/control"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
)

// Role is the access level of a principal
type Role string

const (
	RoleFullControl      Role = "full-control"
	RoleRestrictedWorker Role = "restricted-worker"
	RoleReadOnly         Role = "read-only"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleFullControl, RoleRestrictedWorker, RoleReadOnly:
		return Role(s), nil
	default:
		return "", errors.NewValidationError(fmt.Sprintf("unknown role: %q", s), nil)
	}
}

// Principal is an authenticated caller
type Principal struct {
	Identity string
	Role     Role
	Method   string // "jwt" or "key"
}

// Claims are the JWT claims accepted by the gateway
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for subject with role
func IssueToken(secret, issuer, subject string, role Role, ttl time.Duration) (string, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return "", err
	}
	if subject == "" {
		return "", errors.NewValidationError("token subject is required", nil)
	}

	now := time.Now()
	claims := &Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", errors.NewInternalError("failed to sign token", err)
	}
	return signed, nil
}

// Authenticator resolves the principal of a request
type Authenticator struct {
	sharedKey []byte
	jwtSecret []byte
	issuer    string
}

func NewAuthenticator(sharedKey, jwtSecret, issuer string) *Authenticator {
	return &Authenticator{
		sharedKey: []byte(sharedKey),
		jwtSecret: []byte(jwtSecret),
		issuer:    issuer,
	}
}

// Authenticate checks, in order, a bearer token, the gateway key header and,
// for websocket upgrades only, the token or key query parameters.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return Principal{}, errors.NewUnauthorizedError("malformed authorization header", nil)
		}
		return a.parseToken(token)
	}

	if key := r.Header.Get(control.KeyHeader); key != "" {
		return a.checkKey(key)
	}

	if websocket.IsWebSocketUpgrade(r) {
		query := r.URL.Query()
		if token := query.Get("token"); token != "" {
			return a.parseToken(token)
		}
		if key := query.Get("key"); key != "" {
			return a.checkKey(key)
		}
	}

	return Principal{}, errors.NewUnauthorizedError("authentication required", nil)
}

func (a *Authenticator) parseToken(raw string) (Principal, error) {
	if len(a.jwtSecret) == 0 {
		return Principal{}, errors.NewUnauthorizedError("bearer tokens are not accepted", nil)
	}

	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		options = append(options, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	}, options...)
	if err != nil {
		return Principal{}, errors.NewUnauthorizedError("invalid token", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, errors.NewUnauthorizedError("invalid token", nil)
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Principal{}, errors.NewUnauthorizedError("token carries no valid role", err)
	}
	if claims.Subject == "" {
		return Principal{}, errors.NewUnauthorizedError("token carries no subject", nil)
	}

	return Principal{Identity: claims.Subject, Role: role, Method: "jwt"}, nil
}

func (a *Authenticator) checkKey(key string) (Principal, error) {
	if len(a.sharedKey) == 0 || subtle.ConstantTimeCompare([]byte(key), a.sharedKey) != 1 {
		return Principal{}, errors.NewUnauthorizedError("invalid gateway key", nil)
	}
	return Principal{Identity: "gateway-key", Role: RoleFullControl, Method: "key"}, nil
}

type contextKey string

const (
	principalKey contextKey = "principal"
	clientIPKey  contextKey = "client_ip"
)

func withPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext returns the principal of an authenticated request
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}
