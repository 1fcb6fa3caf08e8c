package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/docsync/kit"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func mint(t *testing.T, userID string, expiry time.Duration) string {
	t.Helper()
	tok, err := GenerateToken(testSecret, &Claims{UserID: userID}, expiry)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestGenerateAndValidate(t *testing.T) {
	tok := mint(t, "u-1", time.Hour)
	claims, err := ValidateToken(testSecret, tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "u-1" || claims.User() != "u-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestGenerate_ShortSecret(t *testing.T) {
	_, err := GenerateToken([]byte("short"), &Claims{}, time.Hour)
	if !errors.Is(err, ErrSecretTooShort) {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	tok := mint(t, "u-1", -time.Minute)
	if _, err := ValidateToken(testSecret, tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	tok := mint(t, "u-1", time.Hour)
	other := []byte(strings.Repeat("x", 32))
	if _, err := ValidateToken(other, tok); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate_RejectsNone(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "evil"})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken(testSecret, s); err == nil {
		t.Fatal("alg none accepted")
	}
}

func TestClaimsUserFallback(t *testing.T) {
	c := &Claims{Username: "ada"}
	if c.User() != "ada" {
		t.Fatal(c.User())
	}
	c = &Claims{}
	c.Subject = "sub-1"
	if c.User() != "sub-1" {
		t.Fatal(c.User())
	}
}

func TestMiddleware_Sources(t *testing.T) {
	tok := mint(t, "u-7", time.Hour)

	cookie := httptest.NewRequest("GET", "/notes", nil)
	cookie.AddCookie(&http.Cookie{Name: CookieName, Value: tok})
	bearer := httptest.NewRequest("GET", "/notes", nil)
	bearer.Header.Set("Authorization", "Bearer "+tok)
	query := httptest.NewRequest("GET", "/notes?token="+tok, nil)

	for name, req := range map[string]*http.Request{"cookie": cookie, "bearer": bearer, "query": query} {
		var user string
		h := Middleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user = kit.GetUserID(r.Context())
		}))
		h.ServeHTTP(httptest.NewRecorder(), req)
		if user != "u-7" {
			t.Errorf("%s: user = %q", name, user)
		}
	}
}

func TestMiddleware_InvalidTokenIsSoft(t *testing.T) {
	called := false
	h := Middleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if GetClaims(r.Context()) != nil {
			t.Error("claims set for invalid token")
		}
	}))
	req := httptest.NewRequest("GET", "/notes?token=garbage", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !called {
		t.Fatal("next not called")
	}
}

func TestRequireAuth(t *testing.T) {
	h := Middleware(testSecret)(RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/notes", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/notes?token="+mint(t, "u-1", time.Hour), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated: got %d", w.Code)
	}
}
