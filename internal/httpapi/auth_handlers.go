package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context key for operator data
type contextKey string

const operatorContextKey contextKey = "operator"

const operatorSubject = "operator"

// JWTClaims represents the claims in the JWT token
type JWTClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

var (
	errMissingToken = errors.New("missing authorization")
	errInvalidToken = errors.New("invalid token")
)

// withAuth is middleware that requires a valid operator JWT in the
// Authorization header.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		claims, err := r.authenticate(req, false)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		ctx := context.WithValue(req.Context(), operatorContextKey, claims)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

// authenticate validates the bearer token. Browsers cannot set headers on
// websocket upgrades, so the console may pass ?token= instead.
func (r *Router) authenticate(req *http.Request, allowQuery bool) (*JWTClaims, error) {
	tokenString := ""
	if authHeader := req.Header.Get("Authorization"); authHeader != "" {
		// Expect "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return nil, errors.New("invalid authorization format")
		}
		tokenString = parts[1]
	} else if allowQuery {
		tokenString = req.URL.Query().Get("token")
	}
	if tokenString == "" {
		return nil, errMissingToken
	}
	return r.parseToken(tokenString)
}

func (r *Router) parseToken(tokenString string) (*JWTClaims, error) {
	if r.cfg.JWTSecret == "" {
		return nil, errInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(r.cfg.JWTSecret), nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || claims.Role != operatorSubject {
		return nil, errInvalidToken
	}
	return claims, nil
}

// getOperator extracts the authenticated operator from context
func getOperator(ctx context.Context) *JWTClaims {
	claims, _ := ctx.Value(operatorContextKey).(*JWTClaims)
	return claims
}

// generateJWT creates a new operator token
func (r *Router) generateJWT() (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(r.cfg.JWTExpiry)

	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorSubject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: operatorSubject,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(r.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// handleIssueToken trades the operator secret for a JWT.
func (r *Router) handleIssueToken(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	if r.cfg.OperatorSecret == "" || r.cfg.JWTSecret == "" {
		r.logger.Warnf("auth: operator secret or JWT secret not configured")
		http.Error(w, `{"error": "operator login not configured"}`, http.StatusServiceUnavailable)
		return
	}

	if subtle.ConstantTimeCompare([]byte(body.Secret), []byte(r.cfg.OperatorSecret)) != 1 {
		r.logger.Warnf("auth: rejected operator login from %s", req.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid secret"})
		return
	}

	token, expiresAt, err := r.generateJWT()
	if err != nil {
		r.logger.Errorf("auth: failed to generate JWT: %v", err)
		captureError(req, err, "auth: sign token")
		http.Error(w, `{"error": "failed to create token"}`, http.StatusInternalServerError)
		return
	}

	r.logger.Infof("auth: operator token issued, expires %s", expiresAt.Format(time.RFC3339))
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
}
