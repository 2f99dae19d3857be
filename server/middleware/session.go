// Package middleware carries the HTTP cross-cutting concerns: merchant
// session authentication and CORS.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const merchantKey contextKey = "merchant_id"

// SessionCookie is the signed merchant session cookie.
const SessionCookie = "poflow_session"

var ErrNoMerchant = errors.New("middleware: no merchant in context")

// Sessions signs and verifies merchant session cookies. The cookie value is
// "merchantID.signature" with an HMAC-SHA256 signature over the merchant id.
type Sessions struct {
	secret []byte
}

func NewSessions(secret string) *Sessions {
	return &Sessions{secret: []byte(secret)}
}

func (s *Sessions) sign(merchantID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(merchantID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Issue sets the session cookie for a merchant.
func (s *Sessions) Issue(w http.ResponseWriter, merchantID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    merchantID + "." + s.sign(merchantID),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(24 * time.Hour),
	})
}

// Verify extracts and checks the merchant id from a cookie value.
func (s *Sessions) Verify(value string) (string, bool) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 {
		return "", false
	}
	merchantID, sig := value[:i], value[i+1:]
	if !hmac.Equal([]byte(sig), []byte(s.sign(merchantID))) {
		return "", false
	}
	return merchantID, true
}

// Authenticate rejects requests without a valid session cookie and injects
// the merchant id into the request context.
func (s *Sessions) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(SessionCookie)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		merchantID, ok := s.Verify(c.Value)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithMerchant(r.Context(), merchantID)))
	})
}

// WithMerchant injects a merchant id into a context.
func WithMerchant(ctx context.Context, merchantID string) context.Context {
	return context.WithValue(ctx, merchantKey, merchantID)
}

// MerchantFromContext returns the authenticated merchant id.
func MerchantFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(merchantKey).(string)
	if !ok || id == "" {
		return "", ErrNoMerchant
	}
	return id, nil
}
