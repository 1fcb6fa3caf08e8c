package auth

import (
	"net/http"
	"strings"
)

// CookieName is the cookie carrying the JWT.
const CookieName = "token"

// TokenFromRequest extracts a JWT from, in order: the "token" cookie, the
// Authorization Bearer header, the "token" query parameter. Browsers cannot
// set headers on a websocket handshake, hence the query fallback.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}
