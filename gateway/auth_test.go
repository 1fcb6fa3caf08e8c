package gateway

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/docsync/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestRequireAuthOnDocuments(t *testing.T) {
	s, ts := newTestServer(t, func(c *Config) {
		c.JWTSecret = testSecret
		c.RequireAuth = true
	})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/team-notes"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous upgrade: err=%v resp=%v", err, resp)
	}

	tok, err := auth.GenerateToken([]byte(testSecret), &auth.Claims{UserID: "u-1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	dial(t, ts, "/team-notes?token="+tok)
	waitFor(t, "attach", func() bool { return s.Registry().Len() == 1 })

	waitFor(t, "attach event with user", func() bool {
		events, err := s.Events().Query(t.Context(), "", 10)
		if err != nil {
			t.Fatal(err)
		}
		for _, ev := range events {
			if ev.Event == "attach" && ev.UserID == "u-1" {
				return true
			}
		}
		return false
	})
}

func TestRequireAuthNeedsSecret(t *testing.T) {
	cfg := &Config{RequireAuth: true}
	cfg.defaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("require_auth without secret accepted")
	}
}
