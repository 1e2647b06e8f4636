package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Typed verification failures. The session handler maps each to a distinct
// rejection message before the transport handshake completes.
var (
	ErrTokenMissing        = errors.New("missing authorization token")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenMalformed      = errors.New("malformed token")
	ErrTokenInvalidPayload = errors.New("invalid token payload")
)

// Identity is the verified subject of a token
type Identity struct {
	UserID   string
	Username string
	Email    string
}

// Verifier validates HMAC-signed JWTs issued by the auth collaborator
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token and extracts the caller's identity
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrTokenMissing
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the alg is what we expect
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	if !token.Valid {
		return nil, ErrTokenMalformed
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenInvalidPayload
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return nil, ErrTokenInvalidPayload
	}

	identity := &Identity{UserID: userID}
	if username, ok := claims["username"].(string); ok {
		identity.Username = username
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}

	return identity, nil
}

// JWTAuth guards HTTP endpoints. WebSocket upgrades pass the token as a
// query parameter since browsers cannot set headers on them.
func JWTAuth(verifier *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := verifier.Verify(ExtractToken(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		c.Set("userID", identity.UserID)
		c.Set("identity", identity)
		c.Next()
	}
}

// ExtractToken pulls the bearer token from the Authorization header, falling
// back to the token query parameter for WebSocket connections
func ExtractToken(r *http.Request) string {
	bearerToken := r.Header.Get("Authorization")
	if strings.HasPrefix(bearerToken, "Bearer ") {
		return strings.TrimPrefix(bearerToken, "Bearer ")
	}

	return r.URL.Query().Get("token")
}
