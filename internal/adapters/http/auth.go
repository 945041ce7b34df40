package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/Consult/internal/domain"
)

const identityKey = "identity"

// Cookie session keys.
const (
	sessUserID = "uid"
	sessName   = "name"
	sessRole   = "role"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Claims carry the identity in a bearer token: sub, name and role.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 identity tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (a *Authenticator) Issue(who domain.Identity) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret", ErrUnauthenticated)
	}
	now := a.now()
	claims := Claims{
		Name: who.Name,
		Role: string(who.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(who.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(token string) (domain.Identity, error) {
	if len(a.secret) == 0 {
		return domain.Identity{}, fmt.Errorf("%w: bearer tokens disabled", ErrUnauthenticated)
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	who, err := domain.NewIdentity(domain.UserID(claims.Subject), claims.Name, domain.Role(claims.Role))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return who, nil
}

// IdentityMiddleware resolves the caller from a bearer token, the
// access_token query parameter (WebSocket and EventSource clients cannot
// set headers) or the cookie session.
func IdentityMiddleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == c.GetHeader("Authorization") {
			token = ""
		}
		if token == "" {
			token = c.Query("access_token")
		}
		if token != "" {
			who, err := a.Parse(token)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "unauthenticated"})
				return
			}
			c.Set(identityKey, who)
			c.Next()
			return
		}

		s := sessions.Default(c)
		uid, _ := s.Get(sessUserID).(string)
		if uid != "" {
			name, _ := s.Get(sessName).(string)
			role, _ := s.Get(sessRole).(string)
			if who, err := domain.NewIdentity(domain.UserID(uid), name, domain.Role(role)); err == nil {
				c.Set(identityKey, who)
			}
		}
		c.Next()
	}
}

func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Identity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthenticated.Error(), "code": "unauthenticated"})
			return
		}
		c.Next()
	}
}

func Identity(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	who, ok := v.(domain.Identity)
	return who, ok
}

func saveIdentity(c *gin.Context, who domain.Identity) error {
	s := sessions.Default(c)
	s.Set(sessUserID, string(who.UserID))
	s.Set(sessName, who.Name)
	s.Set(sessRole, string(who.Role))
	return s.Save()
}
