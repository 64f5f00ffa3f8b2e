package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier resolves bearer tokens into principal identifiers. Only
// HS256 is accepted; the subject claim carries the principal id.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier wires a verifier for a shared signing key.
func NewJWTVerifier(secret string, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// ParsePrincipal validates the token and returns the subject.
func (verifier *JWTVerifier) ParsePrincipal(tokenString string) (string, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5 * time.Second),
	}
	if verifier.issuer != "" {
		options = append(options, jwt.WithIssuer(verifier.issuer))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return verifier.secret, nil
	}, options...)
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", errors.New("missing subject claim")
	}
	return subject, nil
}

// GinMiddleware rejects requests without a valid bearer token and
// stores the principal on the request context.
func (verifier *JWTVerifier) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("Unauthorized", "missing bearer token"))
			return
		}
		principal, err := verifier.ParsePrincipal(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("Unauthorized", "invalid bearer token"))
			return
		}
		ctx.Set(principalContextKey, principal)
		ctx.Next()
	}
}

func principalFrom(ctx *gin.Context) string {
	value, ok := ctx.Get(principalContextKey)
	if !ok {
		return ""
	}
	principal, _ := value.(string)
	return principal
}
