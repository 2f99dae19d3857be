package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSessionRoundTrip(t *testing.T) {
	s := NewSessions("test-secret")

	rec := httptest.NewRecorder()
	s.Issue(rec, "m1")

	res := rec.Result()
	cookies := res.Cookies()
	if len(cookies) != 1 || cookies[0].Name != SessionCookie {
		t.Fatalf("cookies = %+v", cookies)
	}

	merchantID, ok := s.Verify(cookies[0].Value)
	if !ok || merchantID != "m1" {
		t.Errorf("Verify = (%q, %t), want (m1, true)", merchantID, ok)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := NewSessions("test-secret")
	rec := httptest.NewRecorder()
	s.Issue(rec, "m1")
	value := rec.Result().Cookies()[0].Value

	// Swap the merchant id, keep the signature.
	tampered := "m2" + value[2:]
	if _, ok := s.Verify(tampered); ok {
		t.Error("tampered cookie verified")
	}
	if _, ok := s.Verify("garbage"); ok {
		t.Error("malformed cookie verified")
	}
	if _, ok := NewSessions("other-secret").Verify(value); ok {
		t.Error("cookie verified under a different secret")
	}
}

func TestAuthenticate(t *testing.T) {
	s := NewSessions("test-secret")
	var gotMerchant string
	handler := s.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMerchant, _ = MerchantFromContext(r.Context())
	}))

	// No cookie.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/upload", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no cookie: status = %d, want 401", rec.Code)
	}

	// Valid cookie.
	issue := httptest.NewRecorder()
	s.Issue(issue, "m1")
	req := httptest.NewRequest(http.MethodGet, "/upload", nil)
	req.AddCookie(issue.Result().Cookies()[0])

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid cookie: status = %d, want 200", rec.Code)
	}
	if gotMerchant != "m1" {
		t.Errorf("merchant in context = %q, want m1", gotMerchant)
	}
}

func TestMerchantFromContextMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := MerchantFromContext(req.Context()); err == nil {
		t.Error("expected ErrNoMerchant")
	}
}
